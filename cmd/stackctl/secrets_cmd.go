package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"stackforge/pkg/config"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the project's encrypted provider credentials",
	}
	cmd.AddCommand(newSecretsSetCommand())
	return cmd
}

func newSecretsSetCommand() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Interactively prompt for provider API keys and save them encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := resolveProjectDir(projectDir)

			password, err := promptForPassword()
			if err != nil {
				return err
			}

			secrets := make(map[string]string)
			scanner := bufio.NewScanner(os.Stdin)

			for _, p := range []struct {
				envVar string
				label  string
			}{
				{"ANTHROPIC_API_KEY", "Anthropic API key"},
				{"OPENAI_API_KEY", "OpenAI API key"},
				{"GROQ_API_KEY", "Groq API key"},
				{"GEMINI_API_KEY", "Gemini API key"},
			} {
				fmt.Printf("Enter %s (optional, press Enter to skip): ", p.label)
				if scanner.Scan() {
					value := strings.TrimSpace(scanner.Text())
					if value != "" {
						secrets[p.envVar] = value
					}
				}
			}

			if err := config.EncryptSecretsFile(dir, password, secrets); err != nil {
				return fmt.Errorf("encrypt secrets: %w", err)
			}

			fmt.Printf("Saved %d credential(s) to %s/%s (permissions 0600)\n", len(secrets), config.ConfigDir, "secrets.json.enc")
			return nil
		},
	}
	cmd.Flags().StringVar(&projectDir, "projectdir", "", "Project directory (default: current directory)")
	return cmd
}

// promptForPassword prompts for a password twice and requires they match,
// mirroring the teacher's bootstrap flow.
func promptForPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter a password to encrypt this project's secrets: ")
		password1, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		password2, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}

		if !bytes.Equal(password1, password2) {
			zero(password1)
			zero(password2)
			if attempt < maxAttempts {
				fmt.Println("Passwords do not match, try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}

		password := string(password1)
		zero(password1)
		zero(password2)
		return password, nil
	}
	return "", fmt.Errorf("failed to get matching passwords")
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
