package main

import (
	"fmt"
	"io"
	"strings"
)

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
	switch args[0] {
	case "init":
		fs := newFlagSet("admin init", adminUsage(), stderr)
		var caller, admin, asset string
		fs.StringVar(&caller, "caller", "", "caller bech32 address, must equal --admin")
		fs.StringVar(&admin, "admin", "", "admin bech32 address")
		fs.StringVar(&asset, "default-asset", "", "default asset symbol or address")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if caller == "" || admin == "" || asset == "" {
			return printError(stderr, "--caller, --admin and --default-asset are required")
		}
		return invoke("split_initialize", map[string]interface{}{
			"caller":       caller,
			"admin":        admin,
			"defaultAsset": asset,
		}, true, stdout, stderr)
	case "pause":
		fs := newFlagSet("admin pause", adminUsage(), stderr)
		var caller string
		fs.StringVar(&caller, "caller", "", "admin bech32 address")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if caller == "" {
			return printError(stderr, "--caller is required")
		}
		return invoke("split_togglePause", map[string]interface{}{"caller": caller}, true, stdout, stderr)
	case "show":
		return invoke("split_getAdmin", nil, false, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
}

func adminUsage() string {
	return strings.TrimSpace(`Usage:
  split-cli admin <command> [flags]

Commands:
  init   Initialise the ledger with an admin and default asset
  pause  Toggle the ledger pause flag
  show   Show the admin and default asset`)
}

func runAssetCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, assetUsage())
		return 1
	}
	switch args[0] {
	case "add", "remove":
		method := "split_addApprovedAsset"
		if args[0] == "remove" {
			method = "split_removeApprovedAsset"
		}
		fs := newFlagSet("asset "+args[0], assetUsage(), stderr)
		var caller, asset string
		fs.StringVar(&caller, "caller", "", "admin bech32 address")
		fs.StringVar(&asset, "asset", "", "asset symbol or address")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if caller == "" {
			return printError(stderr, "--caller is required")
		}
		if asset == "" {
			return printError(stderr, "--asset is required")
		}
		return invoke(method, map[string]interface{}{"caller": caller, "asset": asset}, true, stdout, stderr)
	case "check":
		fs := newFlagSet("asset check", assetUsage(), stderr)
		var asset string
		fs.StringVar(&asset, "asset", "", "asset symbol or address")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if asset == "" {
			return printError(stderr, "--asset is required")
		}
		return invoke("split_isAssetApproved", map[string]interface{}{"asset": asset}, false, stdout, stderr)
	case "list":
		return invoke("split_listApprovedAssets", nil, false, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown asset subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, assetUsage())
		return 1
	}
}

func assetUsage() string {
	return strings.TrimSpace(`Usage:
  split-cli asset <command> [flags]

Commands:
  add     Approve an asset for new splits
  remove  Revoke an asset for new splits
  check   Report whether an asset is approved
  list    List approved assets`)
}

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, tokenUsage())
		return 1
	}
	switch args[0] {
	case "balance":
		fs := newFlagSet("token balance", tokenUsage(), stderr)
		var address, asset string
		fs.StringVar(&address, "address", "", "account bech32 address")
		fs.StringVar(&asset, "asset", "", "asset symbol or address, defaults to the default asset")
		if !parseFlags(fs, args[1:], stderr) {
			return 1
		}
		if address == "" {
			return printError(stderr, "--address is required")
		}
		return invoke("token_balance", map[string]interface{}{"address": address, "asset": asset}, false, stdout, stderr)
	case "list":
		return invoke("token_list", nil, false, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown token subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, tokenUsage())
		return 1
	}
}

func tokenUsage() string {
	return strings.TrimSpace(`Usage:
  split-cli token <command> [flags]

Commands:
  balance  Show the balance of an account
  list     List registered tokens`)
}
