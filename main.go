package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Akdrewp/GoTorrent/server"
	"github.com/Akdrewp/GoTorrent/session"
	"github.com/Akdrewp/GoTorrent/torrent"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func fatal(err error) {
	log.Error(err)
	os.Exit(1)
}

func main() {
	cfg := session.DefaultConfig()
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listening port for inbound peers")
	flag.StringVar(&cfg.DownloadDir, "dir", cfg.DownloadDir, "download directory")
	flag.IntVar(&cfg.MaxOpenFiles, "max-open-files", cfg.MaxOpenFiles, "file handle pool size")
	flag.IntVar(&cfg.Variance, "variance", cfg.Variance, "rarest-piece randomization window")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Error("usage: gotorrent [flags] <torrent file>")
		os.Exit(1)
	}

	tor, err := torrent.NewTorrent(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	log.WithFields(logrus.Fields{
		"name":   tor.MetaInfo.Info.Name,
		"pieces": tor.NumPieces,
		"length": tor.Length,
	}).Info("loaded torrent")

	sess, err := session.NewSession(tor, cfg)
	if err != nil {
		fatal(err)
	}
	sv, err := server.NewServer(sess, cfg.Port)
	if err != nil {
		fatal(err)
	}
	sv.Serve()
	if err := sess.Start(); err != nil {
		fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sess.Done():
	case <-sigs:
		log.Info("shutting down")
	}
	sess.Stop()
	sv.Stop()
	if err := sess.Err(); err != nil {
		fatal(err)
	}
}
