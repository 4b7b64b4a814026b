package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sealedledger/assure/internal/csvsink"
	"github.com/sealedledger/assure/internal/eventschema"
	"github.com/sealedledger/assure/internal/keystore"
	"github.com/sealedledger/assure/internal/securelog"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "assurectl",
	Short: "assurectl operates the tamper-evident audit log out of band",
	Long: `assurectl inspects and publishes to an audit log's CSV Sink files
directly, without going through the running assure-server process.

Available Commands:
  verify    Replay a topic's MAC chain and report whether it is intact
  publish   Append a single event to a topic, bypassing the Audit Service
`,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <topic>",
	Short: "Replay a topic's MAC chain and report whether it is intact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]
		password, _ := cmd.Flags().GetString("password")

		keys, err := keystore.Open(filepath.Join(dataDir, topic+".keystore.json"), password)
		if err != nil {
			return fmt.Errorf("open keystore: %w", err)
		}
		report, err := securelog.Verify(filepath.Join(dataDir, topic+".csv"), keys)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		if report.OK {
			color.Green("OK: %d rows (%d signed)", report.RowsTotal, report.RowsSigned)
			return nil
		}
		color.Red("FAIL: %d rows (%d signed) — chain did not end on a signature row or a row failed verification", report.RowsTotal, report.RowsSigned)
		if report.LastError != nil {
			color.Red("  %v", report.LastError)
		}
		os.Exit(2)
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <json-event>",
	Short: "Append a single event to a topic, bypassing the Audit Service",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, raw := args[0], args[1]
		password, _ := cmd.Flags().GetString("password")
		securityEnabled, _ := cmd.Flags().GetBool("security")

		var event map[string]any
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return fmt.Errorf("invalid json event: %w", err)
		}

		sink, err := csvsink.New(csvsink.Options{
			LogDirectory: dataDir,
			Security: csvsink.SecurityConfig{
				Enabled:  securityEnabled,
				Password: password,
			},
			Schemas: map[string]eventschema.Schema{"access": eventschema.AccessSchema()},
		})
		if err != nil {
			return fmt.Errorf("open csv sink: %w", err)
		}
		defer sink.Shutdown(cmd.Context())

		result, err := sink.Publish(cmd.Context(), topic, event)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		color.Green("published %s/%s", topic, result.ID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "data directory holding the topic's CSV and keystore files")
	verifyCmd.Flags().String("password", "", "keystore password")
	publishCmd.Flags().String("password", "", "keystore password")
	publishCmd.Flags().Bool("security", true, "whether the target topic runs under the MAC chain")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(publishCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}
