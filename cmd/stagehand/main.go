// Command stagehand runs workflow definitions and serves the execution API.
package main

func main() {
	Execute()
}
