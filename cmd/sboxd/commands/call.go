package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/internal/config"
	"github.com/nuln/sboxd/transport"
)

var (
	callSocket  string
	callSession string
)

var callCmd = &cobra.Command{
	Use:   "call <operation> [key=value ...]",
	Short: "Send one request to the running daemon",
	Long: `Send one request to the daemon and print every reply as YAML.
Copy and move print their progress replies before the final one.

Values that read as YAML integers or booleans are sent typed; everything
else is sent as a string.

Examples:
  # List the drives visible to this session
  sboxd call listStorages

  # List a directory on the internal drive
  sboxd call list storageType=internal driveId=INTERNAL_STORAGE path=docs

  # Copy a file to a USB drive
  sboxd call copy srcStorageType=internal srcDriveId=INTERNAL_STORAGE srcPath=a.txt \
      destStorageType=usb destDriveId=<handle> destPath=a.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	addClientFlags(callCmd.Flags())
}

func addClientFlags(fs *pflag.FlagSet) {
	fs.StringVar(&callSocket, "socket", "", "daemon socket (default: server.socket from the config)")
	fs.StringVar(&callSession, "session", "", "session to act for (honored for root only)")
}

// parseParams turns key=value arguments into request parameters.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", arg)
		}
		params[key] = scalar(value)
	}
	return params, nil
}

func scalar(value string) any {
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err == nil {
		switch v.(type) {
		case int, bool:
			return v
		}
	}
	return value
}

func runCall(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}
	socket := callSocket
	if socket == "" {
		cfg, err := config.Load(GetConfigFile())
		if err != nil {
			return err
		}
		socket = cfg.Server.Socket
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := transport.NewClient(socket)
	client.Session = callSession
	out := cmd.OutOrStdout()
	reply, err := client.Call(ctx, args[0], params, func(r sboxd.Reply) {
		_ = printYAML(out, map[string]any(r))
	})
	if err != nil {
		return err
	}
	if err := printYAML(out, map[string]any(reply)); err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%s failed: %v", args[0], reply["errorText"])
	}
	return nil
}
