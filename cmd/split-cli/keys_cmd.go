package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"splitledger/cmd/internal/passphrase"
	"splitledger/crypto"
)

const keystorePassEnv = "SPLIT_KEYSTORE_PASS"

var newPassphraseSource = func() *passphrase.Source {
	return passphrase.NewSource(keystorePassEnv, "Enter keystore passphrase: ")
}

func runKeysCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
	switch args[0] {
	case "new":
		fs := newFlagSet("keys new", keysUsage(), stderr)
		var out string
		fs.StringVar(&out, "out", "", "path of the keystore file to write")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if out == "" {
			return printError(stderr, "--out is required")
		}
		if _, err := os.Stat(out); err == nil {
			return printError(stderr, fmt.Sprintf("%s already exists", out))
		}
		pass, err := newPassphraseSource().Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return printError(stderr, err.Error())
		}
		if err := crypto.SaveToKeystore(out, key, pass); err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintln(stdout, key.PubKey().Address().String())
		return 0
	case "show":
		fs := newFlagSet("keys show", keysUsage(), stderr)
		var path string
		fs.StringVar(&path, "keystore", "", "path of the keystore file")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if path == "" {
			return printError(stderr, "--keystore is required")
		}
		pass, err := newPassphraseSource().Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.LoadFromKeystore(path, pass)
		if err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintln(stdout, key.PubKey().Address().String())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
}

func keysUsage() string {
	return strings.TrimSpace(`Usage:
  split-cli keys <command> [flags]

Commands:
  new   Generate a key and write it to an encrypted keystore
  show  Print the account address stored in a keystore

The passphrase is read from SPLIT_KEYSTORE_PASS or prompted for.`)
}
