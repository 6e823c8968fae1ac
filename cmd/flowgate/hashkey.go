package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/flowgate/internal/gateway/httpapi"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the Argon2id hash of an API key for server.api_key_hashes",
	Long: `Hash an API key for the config file. The key is read from the first
argument, or from stdin when no argument is given.

Example:
  openssl rand -hex 32 | tee key.txt | flowgate hash-key`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading key from stdin: %w", err)
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("key is empty")
		}

		hash, err := httpapi.HashKey(key)
		if err != nil {
			return fmt.Errorf("hashing key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}
