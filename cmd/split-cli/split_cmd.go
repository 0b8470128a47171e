package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

func runSplitCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, splitUsage())
		return 1
	}
	switch args[0] {
	case "create":
		return runSplitCreate(args[1:], stdout, stderr)
	case "get":
		return runSplitQuery("split_get", "split get", args[1:], stdout, stderr)
	case "funded":
		return runSplitQuery("split_isFullyFunded", "split funded", args[1:], stdout, stderr)
	case "deposit":
		return runSplitDeposit(args[1:], stdout, stderr)
	case "release":
		return runSplitAction("split_release", "split release", args[1:], stdout, stderr)
	case "cancel":
		return runSplitAction("split_cancel", "split cancel", args[1:], stdout, stderr)
	case "refund":
		return runSplitRefund(args[1:], stdout, stderr)
	case "extend":
		return runSplitExtend(args[1:], stdout, stderr)
	case "metadata":
		return runSplitMetadata(args[1:], stdout, stderr)
	case "stats":
		return invoke("split_getStats", nil, false, stdout, stderr)
	case "events":
		return runSplitEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown split subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, splitUsage())
		return 1
	}
}

func splitUsage() string {
	return strings.TrimSpace(`Usage:
  split-cli split <command> [flags]

Commands:
  create   Create a split with participants and shares
  get      Fetch split details by id
  funded   Report whether a split is fully funded
  deposit  Deposit towards a participant's share
  release  Settle a fully funded split to its creator
  cancel   Cancel an active split
  refund   Claim a refund from a cancelled or expired split
  extend   Move the deadline of an active split forward
  metadata Set or clear metadata entries of an active split
  stats    Show lifetime ledger statistics
  events   List published ledger events`)
}

// participantFlag collects repeated --participant address:share[:asset] values.
type participantFlag []map[string]string

func (p *participantFlag) String() string { return fmt.Sprintf("%d participants", len(*p)) }

func (p *participantFlag) Set(value string) error {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("participant must be address:share[:asset]")
	}
	address := strings.TrimSpace(parts[0])
	share, err := normalizeAmount(parts[1])
	if err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("participant address required")
	}
	entry := map[string]string{"address": address, "share": share}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		entry["asset"] = strings.TrimSpace(parts[2])
	}
	*p = append(*p, entry)
	return nil
}

// metadataFlag collects repeated --meta key=value values. An empty value
// clears the key on update.
type metadataFlag map[string]string

func (m metadataFlag) String() string { return fmt.Sprintf("%d entries", len(m)) }

func (m metadataFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("metadata must be key=value")
	}
	m[key] = val
	return nil
}

func runSplitCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("split create", splitUsage(), stderr)
	var (
		caller       string
		total        string
		deadline     string
		description  string
		participants participantFlag
	)
	metadata := metadataFlag{}
	fs.StringVar(&caller, "caller", "", "creator bech32 address")
	fs.StringVar(&total, "total", "", "total amount in base units (supports 100e6 shorthand)")
	fs.StringVar(&deadline, "deadline", "", "deadline as +duration or RFC3339 timestamp")
	fs.StringVar(&description, "description", "", "free-form description")
	fs.Var(&participants, "participant", "participant as address:share[:asset], repeatable")
	fs.Var(metadata, "meta", "metadata entry as key=value, repeatable")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	if total == "" {
		return printError(stderr, "--total is required")
	}
	normalizedTotal, err := normalizeAmount(total)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(participants) == 0 {
		return printError(stderr, "at least one --participant is required")
	}
	deadlineUnix, err := parseDeadline(deadline, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"caller":       caller,
		"description":  description,
		"totalAmount":  normalizedTotal,
		"participants": []map[string]string(participants),
		"deadline":     deadlineUnix,
	}
	if len(metadata) > 0 {
		params["metadata"] = map[string]string(metadata)
	}
	return invoke("split_create", params, true, stdout, stderr)
}

func runSplitQuery(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, splitUsage(), stderr)
	var id string
	fs.StringVar(&id, "id", "", "split identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	splitID, err := parseSplitID(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(method, map[string]interface{}{"id": splitID}, false, stdout, stderr)
}

func runSplitAction(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, splitUsage(), stderr)
	var id, caller string
	fs.StringVar(&id, "id", "", "split identifier")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	splitID, err := parseSplitID(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	return invoke(method, map[string]interface{}{"caller": caller, "id": splitID}, true, stdout, stderr)
}

func runSplitDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("split deposit", splitUsage(), stderr)
	var id, caller, participant, amount string
	fs.StringVar(&id, "id", "", "split identifier")
	fs.StringVar(&caller, "caller", "", "depositing participant bech32 address")
	fs.StringVar(&participant, "participant", "", "participant credited, defaults to the caller")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	splitID, err := parseSplitID(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	normalized, err := normalizeAmount(amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"caller": caller, "id": splitID, "amount": normalized}
	if participant != "" {
		params["participant"] = participant
	}
	return invoke("split_deposit", params, true, stdout, stderr)
}

func runSplitRefund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("split refund", splitUsage(), stderr)
	var id, caller, participant string
	fs.StringVar(&id, "id", "", "split identifier")
	fs.StringVar(&caller, "caller", "", "refunded participant bech32 address")
	fs.StringVar(&participant, "participant", "", "participant refunded, defaults to the caller")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	splitID, err := parseSplitID(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"caller": caller, "id": splitID}
	if participant != "" {
		params["participant"] = participant
	}
	return invoke("split_claimRefund", params, true, stdout, stderr)
}

func runSplitExtend(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("split extend", splitUsage(), stderr)
	var id, caller, deadline string
	fs.StringVar(&id, "id", "", "split identifier")
	fs.StringVar(&caller, "caller", "", "creator bech32 address")
	fs.StringVar(&deadline, "deadline", "", "new deadline as +duration or RFC3339 timestamp")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	splitID, err := parseSplitID(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	deadlineUnix, err := parseDeadline(deadline, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"caller": caller, "id": splitID, "deadline": deadlineUnix}
	return invoke("split_extendDeadline", params, true, stdout, stderr)
}

func runSplitMetadata(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("split metadata", splitUsage(), stderr)
	var id, caller string
	metadata := metadataFlag{}
	fs.StringVar(&id, "id", "", "split identifier")
	fs.StringVar(&caller, "caller", "", "creator bech32 address")
	fs.Var(metadata, "meta", "metadata entry as key=value, key= clears it, repeatable")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	splitID, err := parseSplitID(id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	if len(metadata) == 0 {
		return printError(stderr, "at least one --meta is required")
	}
	params := map[string]interface{}{"caller": caller, "id": splitID, "metadata": map[string]string(metadata)}
	return invoke("split_updateMetadata", params, true, stdout, stderr)
}

func runSplitEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("split events", splitUsage(), stderr)
	var after uint64
	var limit int
	fs.Uint64Var(&after, "after", 0, "only return events with a higher sequence")
	fs.IntVar(&limit, "limit", 100, "maximum number of events")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if limit <= 0 {
		return printError(stderr, "--limit must be positive")
	}
	return invoke("split_listEvents", map[string]interface{}{"after": after, "limit": limit}, false, stdout, stderr)
}

func parseSplitID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

// normalizeAmount accepts plain integers and the 100e6 shorthand, returning
// the decimal string in base units.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("amount is required")
	}
	base := trimmed
	exponent := 0
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		exp, err := strconv.Atoi(trimmed[idx+1:])
		if err != nil || exp < 0 || exp > 77 {
			return "", fmt.Errorf("invalid exponent in amount %q", value)
		}
		exponent = exp
	}
	if base == "" || strings.Trim(base, "0123456789") != "" {
		return "", fmt.Errorf("amount %q must be a non-negative integer", value)
	}
	digits := strings.TrimLeft(base, "0") + strings.Repeat("0", exponent)
	if strings.Trim(digits, "0") == "" {
		return "0", nil
	}
	return digits, nil
}

func parseDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		durationStr := strings.TrimSpace(trimmed[1:])
		dur, err := parseDeadlineDuration(durationStr)
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 deadline")
	}
	return ts.Unix(), nil
}

func parseDeadlineDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		days, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSuffix(value, "d"), "D"))
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	return dur, nil
}
