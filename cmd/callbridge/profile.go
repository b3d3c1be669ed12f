package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
)

func newProfileCmd(stdout io.Writer, deps bridgeDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile [path]",
		Short: "Print the session configuration frame sent to the backend for a profile",
		Long:  `Loads an agent profile (or the built-in one when no path is given, falling back to CALLBRIDGE_PROFILE_PATH) and prints the session.update frame every call would send.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadProfile == nil {
				return fmt.Errorf("missing loadProfile dependency")
			}
			path := os.Getenv("CALLBRIDGE_PROFILE_PATH")
			if len(args) == 1 {
				path = args[0]
			}
			prof, err := deps.loadProfile(path)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			frame, err := protocol.EncodeBackend(protocol.SessionUpdate{Session: prof.SessionConfig()})
			if err != nil {
				return fmt.Errorf("encode session update: %w", err)
			}
			var out bytes.Buffer
			if err := json.Indent(&out, frame, "", "  "); err != nil {
				return err
			}
			out.WriteByte('\n')
			_, err = stdout.Write(out.Bytes())
			return err
		},
	}
	return cmd
}
