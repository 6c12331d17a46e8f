package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dualq/dualq/core/coordinator"
	"github.com/dualq/dualq/core/participant"
	"github.com/dualq/dualq/core/queue"
	"github.com/dualq/dualq/core/txlog"
	"github.com/dualq/dualq/pkg/logger"
	"github.com/dualq/dualq/pkg/telemetry"
)

const (
	txnLogDir      = "data/txlog"
	queueDir       = "data/queues"
	msgQueueName   = "msgQueue"
	idQueueName    = "idQueue"
	prepareTimeout = 5 * time.Second
	prometheusPort = 9464

	demoPayload = "Hello, Camel!"
	demoMsgID   = 42
)

func main() {
	zlog, err := logger.New(logger.Config{Level: "info", Format: "console"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        true,
		ServiceName:    "dualq",
		PrometheusPort: prometheusPort,
	})
	if err != nil {
		zlog.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	if err := os.MkdirAll(queueDir, 0755); err != nil {
		zlog.Fatal("failed to create data directories", zap.Error(err))
	}

	txnLog, err := txlog.Open(txnLogDir, zlog, txlog.Config{})
	if err != nil {
		zlog.Fatal("failed to open transaction log", zap.Error(err))
	}
	defer txnLog.Close()

	msgQueue, err := queue.Open(msgQueueName, zlog, queue.Config{Dir: queueDir})
	if err != nil {
		zlog.Fatal("failed to open message queue", zap.Error(err))
	}
	defer msgQueue.Close()

	idQueue, err := queue.Open(idQueueName, zlog, queue.Config{Dir: queueDir})
	if err != nil {
		zlog.Fatal("failed to open id queue", zap.Error(err))
	}
	defer idQueue.Close()

	coord, err := coordinator.New(
		txnLog,
		participant.NewQueueAdapter(msgQueue, zlog),
		participant.NewQueueAdapter(idQueue, zlog),
		zlog,
		tel.Meter,
		coordinator.Config{PrepareTimeout: prepareTimeout},
	)
	if err != nil {
		zlog.Fatal("failed to build coordinator", zap.Error(err))
	}
	defer coord.Close()

	// Resolve anything a previous run left incomplete before taking work.
	if err := coord.Recover(context.Background()); err != nil {
		zlog.Fatal("recovery failed", zap.Error(err))
	}

	outcome, err := coord.Execute(context.Background(), []byte(demoPayload), func(payload []byte) ([]byte, error) {
		return []byte(strconv.Itoa(demoMsgID)), nil
	})
	if err != nil {
		zlog.Fatal("transaction failed", zap.Error(err))
	}

	zlog.Info("transaction finished",
		zap.String("txn_id", outcome.TxnID.String()),
		zap.String("state", outcome.State.String()),
		zap.String("reason", string(outcome.Reason)))

	for _, q := range []*queue.Queue{msgQueue, idQueue} {
		msg, ok, err := q.Receive()
		if err != nil {
			zlog.Fatal("failed to receive", zap.String("queue", q.Name()), zap.Error(err))
		}
		if ok {
			fmt.Printf("%s <- %q\n", q.Name(), msg.Body)
		}
	}
}
