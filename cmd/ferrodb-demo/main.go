package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ferrodb/conf"
	"ferrodb/engine/basic"
	"ferrodb/engine/buffer"
	"ferrodb/engine/disk"
	"ferrodb/engine/index"
	"ferrodb/engine/lock"
	"ferrodb/engine/metrics"
	"ferrodb/engine/txn"
	"ferrodb/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to an INI config file")
	flag.Parse()

	cfg := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})

	logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	})

	if err := os.MkdirAll(filepath.Dir(cfg.DataFile), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "ferrodb-demo: create data dir: %v\n", err)
		os.Exit(1)
	}

	diskMgr, err := disk.NewManager(cfg.DataFile, cfg.PageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferrodb-demo: open disk manager: %v\n", err)
		os.Exit(1)
	}
	defer diskMgr.Shutdown()

	bpm := buffer.NewManager(cfg.BufferPoolFrames, cfg.ReplacerK, diskMgr)

	tree, err := index.NewBPlusTree(bpm, 64, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferrodb-demo: create index: %v\n", err)
		os.Exit(1)
	}

	lockMgr := lock.NewManager(time.Duration(cfg.DeadlockDetectionIntervalMS) * time.Millisecond)
	defer lockMgr.Close()

	undoIndex := func(rec txn.WriteRecord) error {
		switch rec.Type {
		case txn.WriteInsert:
			return tree.Remove(index.IntKey(rec.RID.PageID()))
		default:
			return nil
		}
	}
	txnMgr := txn.NewManager(lockMgr, isolationFromString(cfg.DefaultIsolation), nil, undoIndex)

	reporter := metrics.NewReporter(bpm, diskMgr, time.Duration(cfg.StatsIntervalMS)*time.Millisecond)
	go reporter.Run()
	defer reporter.Stop()

	fmt.Println("=== ferrodb storage engine demo ===")
	fmt.Printf("data file: %s, page size: %d, pool frames: %d\n", cfg.DataFile, cfg.PageSize, cfg.BufferPoolFrames)

	runInsertWorkload(tree, lockMgr, txnMgr)
	runIterationDemo(tree)
	runDeleteWorkload(tree, lockMgr, txnMgr)
	runDeadlockDemo(lockMgr, txnMgr)

	time.Sleep(100 * time.Millisecond) // let one metrics sample land
	snap := reporter.Latest()
	fmt.Printf("\nfinal stats: hits=%d misses=%d evictions=%d disk_reads=%d disk_writes=%d dirty_pages=%d\n",
		snap.Hits, snap.Misses, snap.Evictions, snap.DiskReads, snap.DiskWrites, snap.DirtyPages)
}

func isolationFromString(s string) lock.IsolationLevel {
	switch s {
	case "read-uncommitted":
		return lock.ReadUncommitted
	case "read-committed":
		return lock.ReadCommitted
	default:
		return lock.RepeatableRead
	}
}

const demoTable lock.TableID = 1

func runInsertWorkload(tree *index.BPlusTree, lockMgr *lock.Manager, txnMgr *txn.Manager) {
	fmt.Println("\n-- inserting 1..30 under a single transaction --")
	t := txnMgr.Begin()
	if err := lockMgr.LockTable(t.Transaction, lock.LockIX, demoTable); err != nil {
		logger.Errorf("ferrodb-demo: lock table: %v", err)
		return
	}
	for i := int64(1); i <= 30; i++ {
		rid := basic.NewRID(basic.PageID(i), 0)
		if err := tree.Insert(index.IntKey(i), rid); err != nil {
			logger.Errorf("ferrodb-demo: insert %d: %v", i, err)
			continue
		}
		t.RecordIndexWrite(txn.WriteRecord{Type: txn.WriteInsert, Table: demoTable, RID: rid})
	}
	txnMgr.Commit(t)
	fmt.Println("committed 30 inserts")
}

func runIterationDemo(tree *index.BPlusTree) {
	fmt.Println("\n-- scanning keys 10..20 --")
	it, err := tree.Seek(index.IntKey(10))
	if err != nil {
		logger.Errorf("ferrodb-demo: seek: %v", err)
		return
	}
	defer it.Close()

	count := 0
	for it.Valid() && it.Key() <= 20 {
		count++
		it.Next()
	}
	fmt.Printf("found %d keys in [10, 20]\n", count)
}

func runDeleteWorkload(tree *index.BPlusTree, lockMgr *lock.Manager, txnMgr *txn.Manager) {
	fmt.Println("\n-- deleting every even key --")
	t := txnMgr.Begin()
	if err := lockMgr.LockTable(t.Transaction, lock.LockIX, demoTable); err != nil {
		logger.Errorf("ferrodb-demo: lock table: %v", err)
		return
	}
	for i := int64(2); i <= 30; i += 2 {
		if err := tree.Remove(index.IntKey(i)); err != nil {
			logger.Errorf("ferrodb-demo: remove %d: %v", i, err)
		}
	}
	txnMgr.Commit(t)

	it, err := tree.Begin()
	if err != nil {
		logger.Errorf("ferrodb-demo: begin iterator: %v", err)
		return
	}
	defer it.Close()
	remaining := 0
	for it.Valid() {
		remaining++
		it.Next()
	}
	fmt.Printf("committed deletes, %d keys remain\n", remaining)
}

// runDeadlockDemo deliberately has two transactions lock rows in opposite
// order so the background detector has a cycle to find and break.
func runDeadlockDemo(lockMgr *lock.Manager, txnMgr *txn.Manager) {
	fmt.Println("\n-- provoking a deadlock on purpose --")

	txnA := txnMgr.Begin()
	txnB := txnMgr.Begin()

	ridA := basic.NewRID(100, 0)
	ridB := basic.NewRID(200, 0)

	if err := lockMgr.LockTable(txnA.Transaction, lock.LockIX, demoTable); err != nil {
		logger.Errorf("ferrodb-demo: txnA lock table: %v", err)
	}
	if err := lockMgr.LockTable(txnB.Transaction, lock.LockIX, demoTable); err != nil {
		logger.Errorf("ferrodb-demo: txnB lock table: %v", err)
	}
	if err := lockMgr.LockRow(txnA.Transaction, lock.LockX, demoTable, ridA); err != nil {
		logger.Errorf("ferrodb-demo: txnA lock row A: %v", err)
	}
	if err := lockMgr.LockRow(txnB.Transaction, lock.LockX, demoTable, ridB); err != nil {
		logger.Errorf("ferrodb-demo: txnB lock row B: %v", err)
	}

	done := make(chan struct{}, 2)
	go func() {
		err := lockMgr.LockRow(txnA.Transaction, lock.LockX, demoTable, ridB)
		if err != nil {
			fmt.Printf("txn %d: %v\n", txnA.ID(), err)
			txnMgr.Abort(txnA)
		} else {
			txnMgr.Commit(txnA)
		}
		done <- struct{}{}
	}()
	go func() {
		err := lockMgr.LockRow(txnB.Transaction, lock.LockX, demoTable, ridA)
		if err != nil {
			fmt.Printf("txn %d: %v\n", txnB.ID(), err)
			txnMgr.Abort(txnB)
		} else {
			txnMgr.Commit(txnB)
		}
		done <- struct{}{}
	}()

	<-done
	<-done
	fmt.Println("deadlock resolved, both transactions concluded")
}
