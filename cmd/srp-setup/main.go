package main

import (
	"bufio"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yepanywhere/relay/internal/srp"
)

// srp-setup derives the salt and verifier for a relay username so the
// password never has to appear in a config file.
func main() {
	username := flag.String("username", "", "Relay username the credentials are for")
	password := flag.String("password", "", "Password (omit to be prompted without echo)")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: srp-setup -username <name> [-password <password>]")
		os.Exit(2)
	}

	pw := *password
	if pw == "" {
		var err error
		pw, err = promptPassword()
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
	}
	if pw == "" {
		log.Fatal("Password must not be empty")
	}

	salt, err := srp.GenerateSalt()
	if err != nil {
		log.Fatalf("Failed to generate salt: %v", err)
	}
	verifier := srp.ComputeVerifier(srp.RFC5054Group2048, *username, pw, salt)

	fmt.Println()
	fmt.Println("Add to the origin config (the password itself is never stored):")
	fmt.Println()
	fmt.Println("origin:")
	fmt.Println("  remote_access:")
	fmt.Println("    enabled: true")
	fmt.Printf("    username: %s\n", *username)
	fmt.Printf("    srp_salt: %s\n", base64.StdEncoding.EncodeToString(salt))
	fmt.Printf("    srp_verifier: %s\n", base64.StdEncoding.EncodeToString(verifier))
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Piped input: the first line is the password.
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
