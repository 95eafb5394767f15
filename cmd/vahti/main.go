// Vahti - automated group protection.
// Evaluate. Act. Record.
package main

func main() {
	Execute()
}
