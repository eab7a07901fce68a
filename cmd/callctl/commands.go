package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"call-signaling/internal/calls"
	"call-signaling/internal/client"
	"call-signaling/internal/signaling"
)

var (
	serverURL string
	token     string
	asUser    string
)

var rootCmd = &cobra.Command{
	Use:           "callctl",
	Short:         "Drive call sessions against a call-signaling server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CALLCTL_SERVER", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CALLCTL_TOKEN"), "access token")
	rootCmd.PersistentFlags().StringVar(&asUser, "as", "", "log in as this user id (dev servers only)")

	initiateCmd.Flags().Bool("video", false, "place a video call")
	endCmd.Flags().String("reason", "", "NORMAL or NETWORK_ERROR")
	historyCmd.Flags().Int("page", 1, "page number")
	historyCmd.Flags().Int("size", 20, "page size")
	watchCmd.Flags().Duration("interval", client.DefaultPollInterval, "status poll interval")

	rootCmd.AddCommand(loginCmd, initiateCmd, acceptCmd, rejectCmd, cancelCmd, endCmd,
		statusCmd, historyCmd, missedCmd, watchCmd)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// apiClient returns a client carrying --token, or logs in with --as.
func apiClient(ctx context.Context) (*client.Client, error) {
	c := client.New(serverURL, token, nil)
	if asUser == "" {
		if token == "" {
			return nil, fmt.Errorf("either --token (or CALLCTL_TOKEN) or --as is required")
		}
		return c, nil
	}
	return c.Login(ctx, asUser, "")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sessionCmd(use, short string, fn func(ctx context.Context, c *client.Client, id string) (calls.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [session-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			s, err := fn(cmd.Context(), c, args[0])
			if err != nil {
				if st, ok := calls.CurrentState(err); ok {
					fmt.Printf("Session is %s\n", st)
				}
				return err
			}
			return printJSON(s)
		},
	}
}

var loginCmd = &cobra.Command{
	Use:   "login [user-id]",
	Short: "Print an access token for a user (dev servers only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL, "", nil).Login(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		fmt.Println(c.Token())
		return nil
	},
}

var initiateCmd = &cobra.Command{
	Use:   "initiate [receiver-id]",
	Short: "Call another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd.Context())
		if err != nil {
			return err
		}
		ct := calls.CallTypeVoice
		if video, _ := cmd.Flags().GetBool("video"); video {
			ct = calls.CallTypeVideo
		}
		s, err := c.Initiate(cmd.Context(), args[0], ct)
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var acceptCmd = sessionCmd("accept", "Answer a ringing call", func(ctx context.Context, c *client.Client, id string) (calls.Session, error) {
	return c.Accept(ctx, id)
})

var rejectCmd = sessionCmd("reject", "Decline a ringing call", func(ctx context.Context, c *client.Client, id string) (calls.Session, error) {
	return c.Reject(ctx, id)
})

var cancelCmd = sessionCmd("cancel", "Hang up before the callee answers", func(ctx context.Context, c *client.Client, id string) (calls.Session, error) {
	return c.Cancel(ctx, id)
})

var statusCmd = sessionCmd("status", "Show the authoritative session state", func(ctx context.Context, c *client.Client, id string) (calls.Session, error) {
	return c.Status(ctx, id)
})

var endCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "Hang up an accepted call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("reason")
		reason, ok := calls.ParseEndReason(raw)
		if !ok {
			return fmt.Errorf("invalid --reason %q", raw)
		}
		c, err := apiClient(cmd.Context())
		if err != nil {
			return err
		}
		s, err := c.End(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past calls, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")
		c, err := apiClient(cmd.Context())
		if err != nil {
			return err
		}
		out, err := c.History(cmd.Context(), page, size)
		if err != nil {
			return err
		}
		for _, s := range out.Items {
			fmt.Printf("%s  %s  %s -> %s  %-9s %s\n",
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.ID, s.CallerID, s.CalleeID, s.State, s.CallType)
		}
		fmt.Printf("page %d, %d of %d\n", out.Page, len(out.Items), out.Total)
		return nil
	},
}

var missedCmd = &cobra.Command{
	Use:   "missed",
	Short: "List calls you did not answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd.Context())
		if err != nil {
			return err
		}
		out, err := c.Missed(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range out {
			fmt.Printf("%s  from %s  %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.CallerID, s.ID)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow a session until it settles, over the signal channel and by polling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := apiClient(ctx)
		if err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")

		r := client.NewReconciler(c, args[0], client.ReconcilerOptions{
			Interval: interval,
			Reactions: func(s calls.Session) {
				line := fmt.Sprintf("%s  %s", time.Now().Format("15:04:05"), s.State)
				if msg := client.UserMessage(s.State, nil); msg != "" {
					line += "  " + msg
				}
				fmt.Println(line)
			},
		})

		// Polling alone converges; the channel only makes it faster.
		if l, err := c.DialSignal(ctx); err == nil {
			defer l.Close()
			go func() { _ = l.Listen(ctx, func(env signaling.Envelope) { r.ObserveEnvelope(env) }) }()
		} else {
			fmt.Fprintln(os.Stderr, "signal channel unavailable, polling only:", err)
		}

		if _, err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
