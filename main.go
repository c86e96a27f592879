package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"bitswarm/peer"
	"bitswarm/storage"
	"bitswarm/torrent"
	"bitswarm/torrentfile"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, "bitswarm\nUsage:\n\tbitswarm [flags] <torrentfile>\n")
	flag.PrintDefaults()
}

func main() {
	cfg := torrent.DefaultConfig
	var peers []peer.Peer

	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	storageKind := flag.String("storage", string(cfg.Storage), "storage backend (file, mmap)")
	strict := flag.Bool("strict", false, "reject torrents with unsorted dictionary keys")
	port := flag.Uint("port", uint(cfg.ListenPort), "port to accept peers on, 0 to disable")
	flag.StringVar(&cfg.DownloadDir, "dir", cfg.DownloadDir, "download directory")
	flag.StringVar(&cfg.ResumeFile, "resume", cfg.ResumeFile, "resume file (default <dir>/<name>.resume)")
	flag.IntVar(&cfg.MaxConnections, "max-conns", cfg.MaxConnections, "maximum number of peer connections")
	flag.IntVar(&cfg.MaxPipelineDepth, "pipeline", cfg.MaxPipelineDepth, "outstanding requests per peer")
	flag.IntVar(&cfg.EndgameThreshold, "endgame", cfg.EndgameThreshold, "outstanding blocks that start endgame")
	flag.TextVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "request size, e.g. 16KB")
	flag.Float64Var(&cfg.DialRate, "dial-rate", cfg.DialRate, "outgoing connections per second")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "time before an unanswered request is given to another peer")
	flag.BoolVar(&cfg.UseTrackers, "trackers", cfg.UseTrackers, "announce to the torrent's trackers")
	flag.BoolVar(&cfg.Seed, "seed", cfg.Seed, "keep seeding after the download completes")
	flag.BoolVar(&cfg.Upload, "upload", cfg.Upload, "serve pieces to other peers")
	flag.BoolVar(&cfg.ShowDownloadProgress, "progress", cfg.ShowDownloadProgress, "show a progress bar on terminals")
	flag.Func("peer", "connect to ip:port directly (repeatable)", func(s string) error {
		p, err := peer.Parse(s)
		if err != nil {
			return err
		}
		peers = append(peers, p)
		return nil
	})
	flag.Usage = printHelp
	flag.Parse()
	args := flag.Args()

	if len(args) != 1 {
		printHelp()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(level)

	if *port > 0xffff {
		log.Fatalf("invalid port %d", *port)
	}
	cfg.ListenPort = uint16(*port)
	if cfg.Storage, err = storage.ParseKind(*storageKind); err != nil {
		log.Fatal(err)
	}
	// the bar redraws stdout, only do it on a terminal
	cfg.ShowDownloadProgress = cfg.ShowDownloadProgress && isatty.IsTerminal(os.Stdout.Fd())
	if err := torrent.NewConfig(cfg); err != nil {
		log.Fatal(err)
	}

	info, err := open(args[0], *strict)
	if err != nil {
		log.Fatalf("Error while opening file: %s", err)
	}
	log.WithFields(logrus.Fields{
		"name":     info.Name,
		"pieces":   info.NumPieces(),
		"infohash": fmt.Sprintf("%x", info.InfoHash),
	}).Info("loaded torrent")

	client, err := torrent.NewClient(torrent.DefaultConfig, info, log)
	if err != nil {
		log.Fatal(err)
	}
	if len(peers) > 0 {
		client.AddPeers(peers...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := client.Run(ctx); err != nil {
		if errors.Is(err, torrent.ErrPeersExhausted) {
			log.Error("gave up, no peers left")
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

func open(path string, strict bool) (*torrentfile.TorrentInfo, error) {
	if !strict {
		return torrentfile.Open(path)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return torrentfile.ParseStrict(buf)
}
