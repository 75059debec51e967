package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/config"
	"github.com/omnichat/omnichat/internal/db"
	"github.com/omnichat/omnichat/internal/logging"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// The worker drains the audit queue and persists events. Messages that fail
// to decode or insert are nacked without requeue, which routes them to the
// DLQ declared by the publisher.
func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log = logging.GetLogger()
	}

	gdb := db.Connect(cfg.DBDSN)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	// Same args as the publisher or the declare fails.
	if _, err := ch.QueueDeclare(cfg.RabbitAuditQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitAuditQueue + ".dlq",
	}); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitAuditQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitAuditQueue).Int("concurrency", concurrency).Msg("audit worker started")

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var e audit.Event
				if err := json.Unmarshal(d.Body, &e); err != nil || e.Action == "" {
					log.Warn().Int("worker", workerID).Err(err).Msg("bad audit message")
					_ = d.Nack(false, false)
					continue
				}
				e.ID = 0 // let the DB assign it

				if err := audit.Insert(ctx, gdb, &e); err != nil {
					log.Error().Int("worker", workerID).Str("action", e.Action).Err(err).Msg("audit insert failed")
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.Warn().Int("worker", workerID).Err(err).Msg("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("audit worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
