// cartograph projects infrastructure provider state into a property graph
// and keeps it reconciled.
package main

func main() {
	Execute()
}
