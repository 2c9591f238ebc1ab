// Package apperr 定义编排器对外返回的错误分类
// 调用方根据 Kind 决定是否重试，而不是解析错误字符串
package apperr

import (
	"errors"
	"fmt"

	"session-orchestrator/internal/model"
)

// Kind 错误类别
type Kind string

// 错误类别常量
const (
	KindConflict            Kind = "conflict"             // 状态已被并发修改，可重新读取后重试
	KindDriverFailure       Kind = "driver_failure"       // 容器运行时或卷操作失败
	KindNotFound            Kind = "not_found"            // 会话不存在
	KindInvalidTransition   Kind = "invalid_transition"   // 当前状态不允许该操作
	KindAuthorizationDenied Kind = "authorization_denied" // 权限不足
	KindValidation          Kind = "validation"           // 请求参数非法
)

// 类别哨兵错误，配合 errors.Is 使用
var (
	ErrConflict            = errors.New("conflict")
	ErrDriverFailure       = errors.New("driver failure")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrValidation          = errors.New("validation failed")
)

var sentinels = map[Kind]error{
	KindConflict:            ErrConflict,
	KindDriverFailure:       ErrDriverFailure,
	KindNotFound:            ErrNotFound,
	KindInvalidTransition:   ErrInvalidTransition,
	KindAuthorizationDenied: ErrAuthorizationDenied,
	KindValidation:          ErrValidation,
}

// Error 编排器错误
type Error struct {
	Kind      Kind               // 错误类别
	Op        string             // 出错的操作，例如 "provision"
	SessionID string             // 相关会话
	State     model.SessionState // 出错时观察到的会话状态（可能为空）
	Err       error              // 底层错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SessionID != "" {
		msg += " (session " + e.SessionID
		if e.State != "" {
			msg += ", state " + string(e.State)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, apperr.ErrConflict) 按类别匹配
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New 创建错误
func New(kind Kind, op, sessionID string, state model.SessionState, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, State: state, Err: err}
}

// Conflict 会话状态与预期不符
func Conflict(op, sessionID string, actual model.SessionState) *Error {
	return New(KindConflict, op, sessionID, actual, nil)
}

// NotFound 会话不存在
func NotFound(op, sessionID string) *Error {
	return New(KindNotFound, op, sessionID, "", nil)
}

// InvalidTransition 当前状态不允许迁移到目标状态
func InvalidTransition(op, sessionID string, from, to model.SessionState) *Error {
	return New(KindInvalidTransition, op, sessionID, from, fmt.Errorf("%s -> %s", from, to))
}

// DriverFailure 运行时失败
func DriverFailure(op, sessionID string, state model.SessionState, err error) *Error {
	return New(KindDriverFailure, op, sessionID, state, err)
}

// Denied 权限不足
func Denied(op, actor, action, workspace string) *Error {
	return New(KindAuthorizationDenied, op, "", "",
		fmt.Errorf("%s cannot %s in workspace %s", actor, action, workspace))
}

// Validation 参数错误
func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, "", "", fmt.Errorf(format, args...))
}

// WithOp 返回把 Op 替换为 op 的副本，非本包错误原样返回
func WithOp(err error, op string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Op = op
	return &cp
}

// KindOf 返回错误类别，非本包错误返回空字符串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StateOf 返回错误中记录的会话状态
func StateOf(err error) model.SessionState {
	var e *Error
	if errors.As(err, &e) {
		return e.State
	}
	return ""
}
