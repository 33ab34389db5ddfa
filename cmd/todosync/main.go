// Command todosync is the todo synchronization engine CLI.
package main

func main() {
	Execute()
}
