// sessionctl 是编排服务的运维命令行工具
package main

func main() {
	execute()
}
