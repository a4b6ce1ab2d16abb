// cmd/gsfleet-probe/main.go
// Entrypoint for the gsfleet-probe CLI. Kept tiny so tests can import the
// package without executing side effects; all logic lives in root.go.
package main

func main() {
	Execute()
}
