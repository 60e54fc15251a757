// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command vcored wires the write-path core (MutableBufferManager) and
// the device cache core (DeviceCacheManager) together behind one
// process, the way cmd/snellerd wires its server and tenant runner
// together. It is scaffolding to exercise the whole system end to
// end: no RPC/dispatch layer is implemented.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sneller-vcore/vcore/internal/buffer"
	"github.com/sneller-vcore/vcore/internal/config"
	"github.com/sneller-vcore/vcore/internal/devicecache"
	"github.com/sneller-vcore/vcore/internal/engine"
	"github.com/sneller-vcore/vcore/internal/segment"
)

var version = "development"

func main() {
	flagSet := flag.NewFlagSet("vcored", flag.ExitOnError)
	segmentDir := flagSet.String("d", "/tmp/vcored/segments", "directory for serialized segments")
	bufferSize := flagSet.Int64("b", 64<<20, "insert buffer byte ceiling before an implicit flush")
	flushInterval := flagSet.Duration("f", 5*time.Second, "interval between background flush sweeps")
	gpuEnable := flagSet.Bool("gpu", false, "enable the device cache by default")
	gpuCapGiB := flagSet.Int64("gpu-capacity", 4, "device cache capacity, in GiB")
	gpuThreshold := flagSet.Float64("gpu-threshold", 0.1, "device cache free-memory watermark, in [0,1]")

	if flagSet.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "vcored: ", log.Lshortfile)

	metadata := engine.NewStaticMetadataStore()
	opts := &engine.EngineOptions{InsertBufferSize: *bufferSize, Metadata: metadata}
	writer := &segment.FileWriter{Dir: *segmentDir}
	mbm := buffer.New(opts, writer)
	mbm.Logger = logger

	conf := config.NewMemConfig()
	conf.SetBool("gpu.resource", "enable", *gpuEnable)
	conf.SetInt("gpu.resource", "cache_capacity", *gpuCapGiB)
	conf.SetFloat("gpu.resource", "cache_threshold", *gpuThreshold)
	dcm := devicecache.New(conf)
	dcm.Logger = logger

	logger.Printf("starting (version=%s, segment-dir=%s, buffer-size=%d)", version, *segmentDir, *bufferSize)

	ctx, cancel := context.WithCancel(context.Background())
	sweep := time.NewTicker(*flushInterval)
	defer sweep.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweep.C:
			flushed, err := mbm.FlushAll(ctx)
			if err != nil {
				logger.Printf("background flush: %s", err)
			}
			if len(flushed) > 0 {
				logger.Printf("flushed tables: %v", flushed)
			}
		case <-sig:
			logger.Println("shutting down")
			cancel()
			dcm.Shutdown()
			return
		}
	}
}
