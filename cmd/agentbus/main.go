// Command agentbus runs the agent message bus and its tooling.
package main

func main() {
	Execute()
}
