// Command stale_recovery_crash checks that tasks claimed by a process that
// dies mid-run are marked ABANDONED on the next recovery pass.
//
//	stale_recovery_crash -mode prepare -db /tmp/s.db
//	stale_recovery_crash -mode claim-sleep -db /tmp/s.db &  # then kill -9
//	stale_recovery_crash -mode recover -db /tmp/s.db
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/stowage/internal/persistence"
)

const (
	folderID  = "crash-drill"
	objectKey = "drill/object.bin"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	staleAfter := flag.Duration("stale-after", 0, "recover tasks started longer ago than this")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		input, _ := json.Marshal(map[string]string{"folder_id": folderID, "object_key": objectKey})
		taskID, _, err := store.InsertTaskWithEvent(ctx, persistence.NewTask{
			OwnerClass:       persistence.OwnerCore,
			OwnerID:          "core",
			TaskKind:         "drill",
			Input:            input,
			SubjectFolderID:  folderID,
			SubjectObjectKey: objectKey,
			Trigger:          persistence.Event{Kind: "CRASH_DRILL"},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "insert task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", taskID)
	case "claim-sleep":
		tasks, err := store.ListUnstarted(ctx, persistence.OwnerCore, nil, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list unstarted: %v\n", err)
			os.Exit(1)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		_, ok, err := store.ClaimTask(ctx, tasks[0].ID)
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "claim task %s: claimed=%v err=%v\n", tasks[0].ID, ok, err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", tasks[0].ID)
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		recovered, err := store.RecoverStale(ctx, *staleAfter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover stale tasks: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		running, err := store.CountRunning(ctx, persistence.OwnerCore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "count running: %v\n", err)
			os.Exit(1)
		}
		if running == 0 {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Printf("VERDICT FAIL: %d tasks still started after recovery\n", running)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
