package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"batchengine/config"
	"batchengine/executor"
	"batchengine/model"
	"batchengine/service"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

func main() {
	in := flag.String("in", "", "comma separated input refs, relative to INPUTDIR")
	out := flag.String("out", "", "comma separated output refs, defaults to result_<i>.json")
	prune := flag.Bool("prune", false, "only remove leftover pool containers and exit")
	verbose := flag.Bool("v", false, "verbose pool logging")
	flag.Parse()

	if !*verbose {
		logrus.SetLevel(logrus.WarnLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()

	cm, err := executor.NewContainerManager(logrus.StandardLogger(), 0)
	if err != nil {
		fail("Failed to create docker client: %v", err)
	}
	defer cm.Close()

	if *prune {
		n, err := cm.PruneStale(ctx)
		if err != nil {
			fail("Prune failed: %v", err)
		}
		color.Green("Removed %d stale worker container(s)", n)
		return
	}

	req, err := buildRequest(*in, *out)
	if err != nil {
		fail("%v", err)
	}

	spec, err := cfg.LaunchSpec()
	if err != nil {
		fail("Invalid worker mounts: %v", err)
	}

	poolCfg := cfg.PoolConfig()
	poolCfg.Prewarm = false
	pool, err := executor.NewWorkerPool(cm, spec, poolCfg, logrus.StandardLogger(), nil)
	if err != nil {
		fail("Failed to start worker pool: %v", err)
	}
	defer pool.Shutdown(cfg.DrainTimeout)

	svc := service.NewBatchService(pool, cfg.TransformConfig(), nil, nil)
	resp := svc.RunBatch(ctx, req)
	printResults(resp)

	if resp.Failed > 0 {
		pool.Shutdown(cfg.DrainTimeout)
		os.Exit(1)
	}
}

func buildRequest(in, out string) (model.BatchRequest, error) {
	inputs := splitList(in)
	if len(inputs) == 0 {
		return model.BatchRequest{}, fmt.Errorf("no inputs given, use -in a.json,b.json")
	}
	outputs := splitList(out)
	if len(outputs) > 0 && len(outputs) != len(inputs) {
		return model.BatchRequest{}, fmt.Errorf("got %d outputs for %d inputs", len(outputs), len(inputs))
	}

	req := model.BatchRequest{Jobs: make([]model.JobRequest, len(inputs))}
	for i, input := range inputs {
		req.Jobs[i].Input = input
		if len(outputs) > 0 {
			req.Jobs[i].Output = outputs[i]
		}
	}
	return req, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func printResults(resp model.BatchResponse) {
	bold := color.New(color.Bold)
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	bold.Printf("Batch %s\n", resp.BatchID)
	bold.Printf("%-4s %-24s %-20s %-6s %s\n", "#", "OUTPUT", "STATUS", "EXIT", "TIME")
	for i, r := range resp.Results {
		line := fmt.Sprintf("%-4d %-24s %-20s %-6d %s", i, r.OutputRef, r.StatusMessage, r.ExitCode, r.ExecutionTime)
		if r.Success {
			ok.Println(line)
			continue
		}
		bad.Println(line)
		if r.Error != "" {
			fmt.Printf("     %s\n", r.Error)
		}
	}
	bold.Printf("%d succeeded, %d failed\n", resp.Succeeded, resp.Failed)
}

func fail(format string, args ...any) {
	color.Red(format, args...)
	os.Exit(1)
}
