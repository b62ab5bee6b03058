// Backfill scans a historical block range for OrderFilled events and pushes
// them into the trade queue. Useful after downtime longer than the reorg
// buffer, or when onboarding a trader whose recent activity should be
// replayed.
//
// Usage:
//
//	backfill -from 52000000 -to 52010000 [-dry-run]
package main

import (
	"context"
	"flag"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/chain"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/queue"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

func main() {
	fromBlock := flag.Uint64("from", 0, "first block to scan")
	toBlock := flag.Uint64("to", 0, "last block to scan")
	dryRun := flag.Bool("dry-run", false, "parse and report without enqueueing")
	flag.Parse()

	if *fromBlock == 0 || *toBlock < *fromBlock {
		log.Fatal("usage: backfill -from <block> -to <block> [-dry-run]")
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfg, err := config.Load(os.Getenv("COPYTRADER_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pool, err := chain.NewProviderPool(cfg.RPC)
	if err != nil {
		log.Fatalf("failed to init rpc pool: %v", err)
	}
	defer pool.Stop()

	var (
		q     *queue.Queue
		store *storage.PostgresStore
	)
	if !*dryRun {
		store, err = storage.NewPostgres()
		if err != nil {
			log.Fatalf("failed to init storage: %v", err)
		}
		defer store.Close()
		q = queue.New(cfg.Queue, store)
	}

	contracts := make([]common.Address, 0, len(cfg.Listener.Contracts))
	for _, addr := range cfg.Listener.Contracts {
		contracts = append(contracts, common.HexToAddress(addr))
	}

	ctx := context.Background()
	var parsed, invalid, pushed, duplicates int

	for from := *fromBlock; from <= *toBlock; from += cfg.Listener.MaxBlocksPerBatch {
		to := from + cfg.Listener.MaxBlocksPerBatch - 1
		if to > *toBlock {
			to = *toBlock
		}

		logs, err := pool.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: contracts,
			Topics:    [][]common.Hash{{chain.OrderFilledTopic}},
		})
		if err != nil {
			log.Fatalf("get logs %d-%d: %v", from, to, err)
		}

		for _, vLog := range logs {
			header, err := pool.HeaderByNumber(ctx, vLog.BlockNumber)
			if err != nil {
				log.Fatalf("header %d: %v", vLog.BlockNumber, err)
			}

			trade, err := chain.ParseOrderFilled(vLog, time.Unix(int64(header.Time), 0).UTC(), nil)
			if err != nil {
				log.Printf("skipping malformed log %s:%d: %v", vLog.TxHash.Hex(), vLog.Index, err)
				continue
			}
			parsed++
			if store != nil {
				if err := store.SaveDetectedTrade(ctx, trade); err != nil {
					log.Printf("audit %s: %v", trade.EventID(), err)
				}
			}
			if !trade.IsValid {
				invalid++
				log.Printf("invalid trade %s: %v", trade.EventID(), trade.ValidationErrors)
				continue
			}

			if *dryRun {
				log.Printf("would enqueue %s: %s %s %s @ %s", trade.EventID(),
					trade.Side, trade.Quantity, trade.MarketID, trade.Price)
				continue
			}

			result, err := q.Push(ctx, trade, models.PriorityLowest)
			if err != nil {
				log.Fatalf("enqueue %s: %v", trade.EventID(), err)
			}
			if result.Duplicate {
				duplicates++
			} else {
				pushed++
			}
		}

		log.Printf("scanned blocks %d-%d (%d logs)", from, to, len(logs))
	}

	log.Printf("done: parsed=%d invalid=%d pushed=%d duplicates=%d", parsed, invalid, pushed, duplicates)
}
