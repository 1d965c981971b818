package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gmpsuite/gmpauth/password"
	"github.com/spf13/cobra"
)

var checkUsername string

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print the argon2id hash of a password read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		hasher, err := password.NewArgon2(password.DefaultConfig())
		if err != nil {
			return err
		}
		hash, err := hasher.Hash(pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var checkPasswordCmd = &cobra.Command{
	Use:   "check-password",
	Short: "Check a password read from stdin against the password policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		err = password.DefaultPolicy().Validate(pw, checkUsername)
		if err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		var pe *password.PolicyError
		if !errors.As(err, &pe) {
			return err
		}
		for _, v := range pe.Violations {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", v.Rule, v.Message)
		}
		return fmt.Errorf("%d policy violation(s)", len(pe.Violations))
	},
}

func init() {
	checkPasswordCmd.Flags().StringVar(&checkUsername, "username", "", "username the password must not contain")
	rootCmd.AddCommand(hashPasswordCmd, checkPasswordCmd)
}

// readPassword takes the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}
