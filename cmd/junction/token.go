package main

import (
	"bufio"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/junctionhq/junction/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:         "token",
	Short:       "Hash an operator API token for API_TOKEN_HASH.",
	Args:        cobra.NoArgs,
	Annotations: plainOutputAnnotations(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToken(cmd)
	},
}

func runToken(cmd *cobra.Command) error {
	token, err := readTokenSecret(cmd)
	if err != nil {
		return err
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	cmd.Println(hash)
	return nil
}

// readTokenSecret prompts when stdin is a terminal and otherwise reads
// one line from it, so the hash can be piped in from a generator.
func readTokenSecret(cmd *cobra.Command) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", errors.New("token is empty")
		}
		token := strings.TrimRight(scanner.Text(), "\r\n")
		if token == "" {
			return "", errors.New("token is empty")
		}
		return token, nil
	}

	cmd.Print("Token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Println()
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", errors.New("token is empty")
	}
	return string(raw), nil
}
