package queue

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.od2.network/fleet/cmd/providers"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/jobs"
	"go.od2.network/fleet/pkg/redisqueue"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Cmd is the queue sub-command.
var Cmd = cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queues",
}

var statsCmd = cobra.Command{
	Use:   "stats [queue...]",
	Short: "Show job counts by state",
	Long:  "Shows job counts by state of the given queues, or of all known queues.",
	Run:   providers.NewCmd(runStats),
}

var lengthCmd = cobra.Command{
	Use:   "length <queue>",
	Short: "Print the number of queued jobs",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runLength),
}

var clearCmd = cobra.Command{
	Use:   "clear <queue>",
	Short: "Drop all queued jobs",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runClear),
}

var jobCmd = cobra.Command{
	Use:   "job <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJob),
}

var enqueueCmd = cobra.Command{
	Use:   "enqueue <queue> <func> [arg...]",
	Short: "Enqueue a job",
	Long: "Enqueues a job calling func.\n" +
		"Arguments are parsed as JSON values, or taken as strings if that fails.",
	Args: cobra.MinimumNArgs(2),
	Run:  providers.NewCmd(runEnqueue),
}

var workersCmd = cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runWorkers),
}

var cleanCmd = cobra.Command{
	Use:   "clean",
	Short: "Run registry maintenance once",
	Long: "Fails abandoned jobs, drops expired registry entries\n" +
		"and moves due scheduled jobs to their queues.",
	Args: cobra.NoArgs,
	Run:  providers.NewCmd(runClean),
}

var testCmd = cobra.Command{
	Use:   "test",
	Short: "Check the Redis connection",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runTest),
}

func init() {
	setEnqueueFlags(&enqueueCmd)
	Cmd.AddCommand(
		&statsCmd,
		&lengthCmd,
		&clearCmd,
		&jobCmd,
		&enqueueCmd,
		&workersCmd,
		&cleanCmd,
		&testCmd,
	)
}

func setEnqueueFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("kwarg", nil, "Keyword argument as key=value, repeatable")
	flags.String("id", "", "Job ID, generated if empty")
	flags.Duration("timeout", 0, "Execution timeout, 0 for the worker default, negative for unlimited")
	flags.Duration("result-ttl", 0, "Result retention, 0 for the default")
	flags.Duration("failure-ttl", 0, "Failure retention, 0 for the default")
	flags.Bool("at-front", false, "Push to the head of the queue")
	flags.String("depends-on", "", "Defer until this job finished")
	flags.Duration("in", 0, "Schedule the job for later")
}

func runStats(ctx context.Context, cmd *cobra.Command, args []string, manager *redisqueue.Manager) error {
	names := args
	if len(names) == 0 {
		var err error
		if names, err = manager.Queues(ctx); err != nil {
			return err
		}
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tQUEUED\tSTARTED\tFINISHED\tFAILED\tDEFERRED\tSCHEDULED")
	for _, name := range names {
		stats, err := manager.Queue(name).Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", name,
			stats.Queued, stats.Started, stats.Finished,
			stats.Failed, stats.Deferred, stats.Scheduled)
	}
	return w.Flush()
}

func runLength(ctx context.Context, cmd *cobra.Command, args []string, manager *redisqueue.Manager) error {
	n, err := manager.QueueLength(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runClear(ctx context.Context, cmd *cobra.Command, args []string, manager *redisqueue.Manager) error {
	n, err := manager.Queue(args[0]).Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs\n", n)
	return nil
}

func runJob(ctx context.Context, cmd *cobra.Command, args []string, manager *redisqueue.Manager) error {
	job, err := manager.Job(ctx, args[0])
	if err != nil {
		return err
	}
	return PrintJob(cmd.OutOrStdout(), job)
}

func runEnqueue(ctx context.Context, cmd *cobra.Command, args []string, manager *redisqueue.Manager) error {
	opts, err := EnqueueOptions(cmd, args[1], args[2:])
	if err != nil {
		return err
	}
	job, err := manager.Queue(args[0]).Enqueue(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
	return nil
}

func runWorkers(ctx context.Context, cmd *cobra.Command, consumers *redisqueue.Consumers) error {
	infos, err := consumers.ListWorkers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOST\tPID\tSTATE\tQUEUES\tCURRENT JOB\tUPTIME")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			info.Name, info.Hostname, info.Pid, info.State,
			strings.Join(info.Queues, ","), info.CurrentJob,
			time.Since(info.Birth).Truncate(time.Second))
	}
	return w.Flush()
}

func runClean(ctx context.Context, cmd *cobra.Command, reaper *redisqueue.Reaper) error {
	res, err := reaper.Clean(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "abandoned=%d expired=%d scheduled=%d\n",
		res.Abandoned, res.Expired, res.Scheduled)
	return nil
}

func runTest(ctx context.Context, cmd *cobra.Command, conn *broker.Conn) error {
	if !conn.Test(ctx) {
		return fmt.Errorf("redis connection test failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}

// EnqueueOptions builds enqueue options from the enqueue flags.
func EnqueueOptions(cmd *cobra.Command, fn string, args []string) (redisqueue.EnqueueOptions, error) {
	flags := cmd.Flags()
	opts := redisqueue.EnqueueOptions{Func: fn}
	for _, arg := range args {
		opts.Args = append(opts.Args, ParseValue(arg))
	}
	kwargs, err := flags.GetStringArray("kwarg")
	if err != nil {
		return opts, err
	}
	for _, kv := range kwargs {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			return opts, fmt.Errorf("invalid keyword argument %q, expected key=value", kv)
		}
		if opts.Kwargs == nil {
			opts.Kwargs = make(map[string]interface{})
		}
		opts.Kwargs[kv[:eq]] = ParseValue(kv[eq+1:])
	}
	opts.JobID, _ = flags.GetString("id")
	opts.Timeout, _ = flags.GetDuration("timeout")
	opts.ResultTTL, _ = flags.GetDuration("result-ttl")
	opts.FailureTTL, _ = flags.GetDuration("failure-ttl")
	opts.AtFront, _ = flags.GetBool("at-front")
	opts.DependsOn, _ = flags.GetString("depends-on")
	opts.EnqueueIn, _ = flags.GetDuration("in")
	return opts, nil
}

// ParseValue reads a JSON value, or returns s as-is if it is not valid JSON.
func ParseValue(s string) interface{} {
	v := new(structpb.Value)
	if err := protojson.Unmarshal([]byte(s), v); err != nil {
		return s
	}
	return v.AsInterface()
}

// PrintJob writes a human-readable description of a job.
func PrintJob(out io.Writer, job *jobs.Job) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	row := func(key string, value interface{}) {
		fmt.Fprintf(w, "%s:\t%v\n", key, value)
	}
	timeRow := func(key string, t time.Time) {
		if !t.IsZero() {
			row(key, t.UTC().Format(time.RFC3339Nano))
		}
	}
	row("ID", job.ID)
	row("Status", job.Status)
	row("Queue", job.Origin)
	row("Func", job.Func)
	row("Args", job.Args)
	row("Kwargs", job.Kwargs)
	if job.Timeout != 0 {
		row("Timeout", job.Timeout)
	}
	if job.DependsOn != "" {
		row("Depends on", job.DependsOn)
	}
	if job.WorkerName != "" {
		row("Worker", job.WorkerName)
	}
	timeRow("Created", job.CreatedAt)
	timeRow("Enqueued", job.EnqueuedAt)
	timeRow("Scheduled for", job.ScheduledFor)
	timeRow("Started", job.StartedAt)
	timeRow("Ended", job.EndedAt)
	if job.Result != nil {
		row("Result", job.Result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if job.ExcInfo != "" {
		_, err := fmt.Fprintf(out, "\n%s\n", job.ExcInfo)
		return err
	}
	return nil
}
