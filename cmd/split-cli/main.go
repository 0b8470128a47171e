package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const rpcTokenEnv = "SPLIT_RPC_TOKEN"

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv(rpcTokenEnv)
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "split":
		return runSplitCommand(args[1:], stdout, stderr)
	case "admin":
		return runAdminCommand(args[1:], stdout, stderr)
	case "asset":
		return runAssetCommand(args[1:], stdout, stderr)
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "keys":
		return runKeysCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  split-cli [--rpc URL] <command> <subcommand> [flags]

Commands:
  split   Create, fund, settle and inspect splits
  admin   Initialise the ledger, toggle the pause flag and show the admin
  asset   Manage the approved asset allowlist
  token   Query token balances and registered tokens
  keys    Generate and inspect keystore files

Mutating calls read the bearer token from SPLIT_RPC_TOKEN.`)
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("SPLIT_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545/rpc"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}
