// Command castra launches, supervises, and tears down the local QEMU
// VM fleet declared in a castra.toml manifest.
package main

func main() {
	Execute()
}
