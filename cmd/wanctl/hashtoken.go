package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"wanctl/internal/adapter/gateway"
)

// runHashToken prints the bcrypt hash for a gateway token so the config can
// hold gateway.tokens[].token_hash instead of the secret.
func runHashToken(args []string) error {
	var token string
	switch {
	case len(args) > 0:
		token = args[0]
	case term.IsTerminal(int(os.Stdin.Fd())):
		fmt.Fprint(os.Stderr, "token: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		token = string(b)
	default:
		var err error
		token, err = readToken(os.Stdin)
		if err != nil {
			return err
		}
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}
	h, err := gateway.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return line, nil
}
