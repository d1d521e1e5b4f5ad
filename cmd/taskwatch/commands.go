package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/client"
	"github.com/ent0n29/tasksync/internal/reconcile"
	"github.com/ent0n29/tasksync/internal/tasks"
)

func newClient(flags *globalFlags) (*client.Client, error) {
	if strings.TrimSpace(flags.token) == "" {
		return nil, errors.New("a token is required (--token or TASKSYNC_TOKEN)")
	}
	return client.New(flags.server, flags.token)
}

func watchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [workspace-id]",
		Short: "Print the workspace view every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			changes, cancel := c.Store().Subscribe()
			defer cancel()
			if err := c.Watch(ctx, args[0]); err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx) }()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					<-runErr
					return nil
				case change := <-changes:
					if change.Kind == reconcile.ChangeState {
						fmt.Fprintf(out, "-- %s\n", change.State)
						continue
					}
					if change.WorkspaceID != "" && change.WorkspaceID != args[0] {
						continue
					}
					printWorkspace(out, c.Store().Tasks(args[0]))
				}
			}
		},
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id] [status]",
		Short: "Change a task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			status, err := tasks.ParseStatus(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			task, err := c.ChangeStatus(ctx, args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %s\n", task.ID, task.Status, task.Title)
			return nil
		},
	}
}

func commentCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "comment [task-id] [text]",
		Short: "Add a comment to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			comment, err := c.AddComment(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "comment %s added\n", comment.ID)
			return nil
		},
	}
}

// tokenCmd mints an HS256 token for local development against APP_JWT_SECRET.
func tokenCmd() *cobra.Command {
	var (
		secret string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [identity-id]",
		Short: "Mint a development token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or APP_JWT_SECRET is required")
			}
			role := auth.RoleUser
			if admin {
				role = auth.RoleAdmin
			}
			tok, err := auth.SignHMAC(secret, auth.Identity{ID: args[0], Role: role}, os.Getenv("APP_JWT_AUDIENCE"), os.Getenv("APP_JWT_ISSUER"), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("APP_JWT_SECRET"), "HMAC secret")
	cmd.Flags().BoolVar(&admin, "admin", false, "Mint an admin token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func printWorkspace(out io.Writer, list []tasks.Task) {
	fmt.Fprintln(out, strings.Repeat("=", 60))
	for _, t := range list {
		fmt.Fprintf(out, "%s  %-12s %s  (%d comments, %d attachments)\n",
			shortID(t.ID), t.Status, t.Title, len(t.Comments), len(t.Attachments))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
