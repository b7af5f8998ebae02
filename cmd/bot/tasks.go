package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hearthbot/internal/config"
	"hearthbot/internal/storage"
	"hearthbot/pkg/logx"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect stored scheduled tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE:  runTasksList,
}

var (
	listUser    int64
	listAll     bool
	listCreator string
	listJSON    bool
)

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksListCmd.Flags().Int64Var(&listUser, "user", 0, "only tasks targeting this user id")
	tasksListCmd.Flags().BoolVar(&listAll, "all", false, "include disabled tasks")
	tasksListCmd.Flags().StringVar(&listCreator, "created-by", "", "filter by creator (system, user)")
	tasksListCmd.Flags().BoolVar(&listJSON, "json", false, "output JSON")
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	// the store only needs the storage section, so skip full validation
	m := config.NewConfigManager(cfgPath)
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	durs, err := cfg.Durations()
	if err != nil {
		return err
	}

	filter := storage.TaskFilter{UserID: listUser, EnabledOnly: !listAll}
	if listCreator != "" {
		if filter.CreatedBy, err = storage.ParseCreator(listCreator); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	st, err := storage.Open(ctx, storage.Config{Path: cfg.Storage.Path, BusyTimeout: durs.BusyTimeout}, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tFREQ\tBY\tCRON\tENABLED\tNEXT RUN\tCONTENT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			t.ID, t.TargetUserID, t.Frequency, t.CreatedBy, t.CronExpr, t.Enabled, fmtTime(t.NextRunAt), clip(t.Content, 40))
	}
	return w.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
