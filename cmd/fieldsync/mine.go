package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List your records, newest first",
	Long: `List records written under your current author ID.

--all lists every record in the local store, including records other
authors wrote on this device.`,
	Example: `  fieldsync mine
  fieldsync mine --author s1234567
  fieldsync mine --all --json`,
	Args: cobra.NoArgs,
	RunE: runMine,
}

var (
	mineAll    bool
	mineAuthor string
)

func init() {
	mineCmd.Flags().BoolVar(&mineAll, "all", false, "List records of every author")
	mineCmd.Flags().StringVar(&mineAuthor, "author", "", "List records of this author ID")
	mineCmd.MarkFlagsMutuallyExclusive("all", "author")
}

func runMine(cmd *cobra.Command, _ []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	author := client.AuthorID()
	switch {
	case mineAll:
		author = ""
	case mineAuthor != "":
		author = mineAuthor
	}

	records, err := client.Records(cmd.Context(), author)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	return outputRecords(cmd, records)
}
