// hashkey hashes an API key with Argon2id for the KANMON_ADMIN_API_KEY
// setting. The server also accepts a plaintext key there, but a hash keeps
// the secret out of the environment and any config dumps.
//
// Usage (run from the repo root):
//
//	go run scripts/hashkey/main.go            # reads the key from stdin
//	go run scripts/hashkey/main.go <api-key>  # reads the key from the argument
//
// Prints the hash to stdout. Quote it when exporting: the value contains
// '$' characters.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/kanmon-dev/kanmon/internal/auth"
)

func main() {
	var key string
	switch {
	case len(os.Args) > 2:
		fmt.Fprintln(os.Stderr, "usage: hashkey [api-key]")
		os.Exit(2)
	case len(os.Args) == 2:
		key = os.Args[1]
	default:
		fmt.Fprint(os.Stderr, "API key: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "error: read stdin: %v\n", err)
			os.Exit(1)
		}
		key = strings.TrimRight(line, "\r\n")
	}

	if key == "" {
		fmt.Fprintln(os.Stderr, "error: API key is empty")
		os.Exit(1)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
