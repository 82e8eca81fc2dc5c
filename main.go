// ./main.go
package main

import (
	"github.com/xkilldash9x/browserhost/cmd"
)

// main is the entry point for the BrowserHost CLI.
func main() {
	cmd.Execute()
}
