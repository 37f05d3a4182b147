package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/geofield/fieldsync"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show or change the author identity",
	Long: `Show the author ID stamped on new records and where it comes from.

The author ID is the Student ID when one is set. Otherwise it falls back
to an ID derived from the public IP address, then to a generated device
ID.`,
	Args: cobra.NoArgs,
	RunE: runIDShow,
}

var idSetCmd = &cobra.Command{
	Use:   "set <student-id>",
	Short: "Set the Student ID",
	Long: `Set the Student ID used for new records.

Existing records keep their author. Use 'fieldsync id migrate' to move
them to the new ID.`,
	Args: cobra.ExactArgs(1),
	RunE: runIDSet,
}

var idClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the Student ID and fall back to the IP or device ID",
	Args:  cobra.NoArgs,
	RunE:  runIDClear,
}

var idMigrateCmd = &cobra.Command{
	Use:   "migrate <old-id> <new-id>",
	Short: "Move your records to a new Student ID",
	Long: `Rewrite the author of every local record written as <old-id> to
<new-id>, then make <new-id> the Student ID.

<old-id> must be the current Student ID. If the migration stops part way,
run it again with 'fieldsync id adopt <old-id>' first to finish it.`,
	Example: `  fieldsync id migrate s1234567 s7654321`,
	Args:    cobra.ExactArgs(2),
	RunE:    runIDMigrate,
}

var idAdoptCmd = &cobra.Command{
	Use:   "adopt <student-id>",
	Short: "Switch to a Student ID without touching existing records",
	Args:  cobra.ExactArgs(1),
	RunE:  runIDAdopt,
}

var idSkipPromptCmd = &cobra.Command{
	Use:   "skip-prompt [true|false]",
	Short: "Show or set whether to stop asking for a Student ID",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIDSkipPrompt,
}

func init() {
	idCmd.AddCommand(idSetCmd)
	idCmd.AddCommand(idClearCmd)
	idCmd.AddCommand(idMigrateCmd)
	idCmd.AddCommand(idAdoptCmd)
	idCmd.AddCommand(idSkipPromptCmd)
}

func runIDShow(cmd *cobra.Command, _ []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	return outputIdentity(cmd, identityInfo(client))
}

func runIDSet(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	stored, err := client.SetStudentID(args[0])
	if err != nil {
		return fmt.Errorf("set student id: %w", err)
	}
	if stored == "" {
		return errors.New("student id is empty; use 'fieldsync id clear' to remove it")
	}

	if outputJSON {
		return outputAsJSON(cmd, identityInfo(client))
	}
	printSuccess(cmd.OutOrStdout(), "Student ID set to %s", stored)
	return nil
}

func runIDClear(cmd *cobra.Command, _ []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if _, err := client.SetStudentID(""); err != nil {
		return fmt.Errorf("clear student id: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, identityInfo(client))
	}
	printSuccess(cmd.OutOrStdout(), "Student ID cleared; now recording as %s", client.AuthorID())
	return nil
}

// MigrationResult is the JSON form of a migration.
type MigrationResult struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Updated int    `json:"updated"`
}

func runIDMigrate(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	n, err := client.MigrateIdentity(cmd.Context(), args[0], args[1])
	if err != nil {
		return migrationFailure(err)
	}

	if outputJSON {
		return outputAsJSON(cmd, MigrationResult{From: args[0], To: client.StudentID(), Updated: n})
	}
	printSuccess(cmd.OutOrStdout(), "Migrated %d records to %s", n, client.StudentID())
	return nil
}

func runIDAdopt(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.AdoptIdentity(cmd.Context(), args[0]); err != nil {
		return migrationFailure(err)
	}
	if outputJSON {
		return outputAsJSON(cmd, identityInfo(client))
	}
	printSuccess(cmd.OutOrStdout(), "Now recording as %s", client.AuthorID())
	return nil
}

// migrationFailure turns a *MigrationError into its user-facing message.
func migrationFailure(err error) error {
	var me *fieldsync.MigrationError
	if !errors.As(err, &me) {
		return err
	}
	if me.Updated > 0 {
		return fmt.Errorf("%s (%d records already moved)", me.Message(), me.Updated)
	}
	return errors.New(me.Message())
}

func runIDSkipPrompt(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if len(args) == 1 {
		skip, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid value %q: want true or false", args[0])
		}
		if err := client.SetSkipStudentIDPrompt(skip); err != nil {
			return fmt.Errorf("set skip prompt: %w", err)
		}
	}

	skip := client.SkipStudentIDPrompt()
	if outputJSON {
		return outputAsJSON(cmd, map[string]bool{"skip_prompt": skip})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "skip-prompt: %t\n", skip)
	return nil
}
