package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentdesk/internal/agentos"
	"agentdesk/internal/controller"
	"agentdesk/internal/fault"
)

func newAskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message...>",
		Short: "Send one message to the agent and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.newController()
			if err != nil {
				return err
			}
			session, err := ask(cmd, ctrl, strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.logger.Info("ask finished", zap.String("session", session.ID), zap.String("status", string(session.Status)))
			switch session.Status {
			case controller.SessionFailed:
				return session.Err
			case controller.SessionCancelled:
				return fault.New(fault.Cancelled, "ask", errors.New("reply cancelled"))
			}
			return nil
		},
	}
}

// ask streams one reply through the controller, writing content deltas as
// they arrive and the unprinted remainder once the session resolves.
func ask(cmd *cobra.Command, ctrl *controller.Controller, message string) (controller.StreamSession, error) {
	out := cmd.OutOrStdout()
	var (
		mu      sync.Mutex
		printed = map[string]int{}
	)
	write := func(session controller.StreamSession) {
		mu.Lock()
		defer mu.Unlock()
		if n := printed[session.ID]; len(session.Content) > n {
			_, _ = io.WriteString(out, session.Content[n:])
			printed[session.ID] = len(session.Content)
		}
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- ctrl.Run(cmd.Context(), func(ev controller.Event) {
			if su, ok := ev.(controller.StreamUpdated); ok {
				write(su.Session)
			}
		})
	}()
	session, err := ctrl.Submit(cmd.Context(), message)
	ctrl.Close()
	<-runDone
	if err != nil {
		return controller.StreamSession{}, err
	}
	write(session)
	if len(session.Content) > 0 && !strings.HasSuffix(session.Content, "\n") {
		fmt.Fprintln(out)
	}
	return session, nil
}

func newRouteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "route <text...>",
		Short: "Show the skills the backend routes the text to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			skills, err := a.client.RouteSkills(cmd.Context(), agentos.RouteRequest{
				Message:  strings.Join(args, " "),
				Limit:    a.cfg.SuggestionLimit,
				MinScore: a.cfg.MinScore,
			})
			if err != nil {
				return err
			}
			printSkills(cmd.OutOrStdout(), skills)
			return nil
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the backend once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := a.client.CheckHealth(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %s\n", "status", health.Status)
			fmt.Fprintf(out, "%-10s %s\n", "version", nullCoalesce(health.Version, "n/a"))
			fmt.Fprintf(out, "%-10s %s\n", "base url", a.client.BaseURL())
			if health.Degraded() {
				fmt.Fprintln(out, "backend reports degraded service")
			}
			return nil
		},
	}
}

func newSkillsCmd(a *app) *cobra.Command {
	var reload bool
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List the skill catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list := a.client.ListSkills
			if reload {
				list = a.client.ReloadSkills
			}
			skills, err := list(cmd.Context())
			if err != nil {
				return err
			}
			printSkills(cmd.OutOrStdout(), skills)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "Reload skills on the backend before listing")
	return cmd
}

func printSkills(out io.Writer, skills []agentos.Skill) {
	if len(skills) == 0 {
		fmt.Fprintln(out, "no matching skills")
		return
	}
	for i, skill := range skills {
		fmt.Fprintf(out, "%2d. %-24s %s\n", i+1, truncate(nullCoalesce(skill.Name, skill.ID), 24), compactSingleLine(skill.Description, 80))
	}
}

func newKnowledgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect and manage knowledge ingestion",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List knowledge content and its ingestion status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := a.client.ListIngestionItems(cmd.Context())
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), items)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.client.KnowledgeStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total=%d completed=%d processing=%d pending=%d failed=%d\n",
				s.Total, s.Completed, s.Processing, s.Pending, s.Failed)
			fmt.Fprintf(out, "size=%s accesses=%d\n", formatBytes(s.TotalSize), s.TotalAccessCount)
			return nil
		},
	}

	var name, description string
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fileName := filepath.Base(args[0])
			item, err := a.client.UploadContent(cmd.Context(), agentos.Upload{
				Name:        nullCoalesce(name, fileName),
				Description: description,
				FileName:    fileName,
				Data:        data,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s id=%s status=%s\n", fileName, nullCoalesce(item.ID, "n/a"), item.Status)
			return nil
		},
	}
	upload.Flags().StringVar(&name, "name", "", "Display name (defaults to the file name)")
	upload.Flags().StringVar(&description, "description", "", "Content description")

	retry := &cobra.Command{
		Use:   "retry <content-id>",
		Short: "Retry ingestion of a failed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.client.RetryIngestion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", nullCoalesce(result.ContentID, args[0]), nullCoalesce(result.Message, result.CurrentStatus))
			return nil
		},
	}

	cmd.AddCommand(list, stats, upload, retry)
	return cmd
}

func printItems(out io.Writer, items []agentos.IngestionItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "no knowledge content")
		return
	}
	for _, item := range items {
		line := fmt.Sprintf("%-36s %-28s %-10s %9s", item.ID, truncate(nullCoalesce(item.Name, "-"), 28), item.Status, formatBytes(item.Size))
		if msg := strings.TrimSpace(item.StatusMessage); msg != "" {
			line += "  " + compactSingleLine(msg, 60)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, summarizeItems(items))
}
