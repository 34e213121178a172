// Package main implements the CLI for inspecting checkpoint directories.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/i-melnichenko/checkpoint-lab/internal/checkpoint"
)

const usage = `Usage:
  inspect [--dir <checkpoint-dir>] summary
  inspect [--dir <checkpoint-dir>] item <key>
  inspect [--dir <checkpoint-dir>] watch

Subcommands:
  summary  print the manifest: run, creation time, per-rank totals, items
  item     print one item's payload to stdout
  watch    live view of the directory, re-reading the manifest as it lands

Flags:
  --dir  Checkpoint directory containing metadata.json (default ".")
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dir := flag.String("dir", ".", "checkpoint directory")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"summary"}
	}

	switch args[0] {
	case "summary":
		return cmdSummary(*dir)
	case "item":
		if len(args) != 2 {
			return fmt.Errorf("usage: item <key>")
		}
		return cmdItem(*dir, args[1])
	case "watch":
		return cmdWatch(*dir)
	default:
		flag.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func cmdSummary(dir string) error {
	meta, err := checkpoint.ReadMetadata(dir)
	if err != nil {
		return err
	}

	var totalBytes int64
	perRank := map[int]int{}
	for _, entry := range meta.Index {
		totalBytes += entry.SizeInBytes
		perRank[entry.Rank]++
	}

	fmt.Printf("checkpoint: %s\n", meta.CheckpointID)
	fmt.Printf("run:        %s\n", meta.RunID)
	fmt.Printf("created:    %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("items:      %d (%d bytes)\n", len(meta.Index), totalBytes)

	ranks := make([]int, 0, len(perRank))
	for rank := range perRank {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	for _, rank := range ranks {
		fmt.Printf("  rank %d: %d items\n", rank, perRank[rank])
	}

	for _, key := range sortedKeys(meta) {
		entry := meta.Index[key]
		fmt.Printf("%-48s rank=%d size=%d\n", key, entry.Rank, entry.SizeInBytes)
	}
	return nil
}

func cmdItem(dir, key string) error {
	meta, err := checkpoint.ReadMetadata(dir)
	if err != nil {
		return err
	}
	data, err := checkpoint.ReadItemData(dir, meta, key)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

func sortedKeys(meta *checkpoint.Metadata) []string {
	keys := make([]string, 0, len(meta.Index))
	for key := range meta.Index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
