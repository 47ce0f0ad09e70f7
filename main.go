package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"

	"github.com/omomatrix/omomatrix/config"
	"github.com/omomatrix/omomatrix/pkg/matrixclient"
	"github.com/omomatrix/omomatrix/pkg/mediacache"
	"github.com/omomatrix/omomatrix/store"
)

var (
	version = "0.1.0-dev"
	logger  *logrus.Entry
)

func main() {
	ourlog := logrus.New()
	ourlog.Formatter = &prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	}
	logger = ourlog.WithFields(logrus.Fields{"prefix": "main"})

	flagConfig := flag.String("conf", "omomatrix.toml", "config file")
	flagDebug := flag.Bool("debug", false, "enable debug logging")
	flagVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s\n", version)

		return
	}

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatalf("loading config: %s", err)
	}

	if *flagDebug || v.GetBool("debug") {
		logger.Info("enabling debug")
		ourlog.Level = logrus.DebugLevel
		v.Set("debug", true)
	}

	if v.GetBool("trace") {
		logger.Info("enabling trace")
		ourlog.Level = logrus.TraceLevel
	}

	dbPath, err := config.DatabasePath()
	if err != nil {
		logger.Fatalf("resolving data directory: %s", err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		logger.Fatalf("opening session store: %s", err)
	}
	defer st.Close()

	avatarDir, err := config.AvatarCacheDir()
	if err != nil {
		logger.Fatalf("resolving avatar cache directory: %s", err)
	}

	mediaDir, err := config.MediaCacheDir()
	if err != nil {
		logger.Fatalf("resolving media cache directory: %s", err)
	}

	media := mediacache.New(v, avatarDir, mediaDir)

	client := matrixclient.New(v, st)

	if !client.RestoreSession() {
		user := os.Getenv("OMOMATRIX_USER")
		pass := os.Getenv("OMOMATRIX_PASS")

		if user == "" || pass == "" {
			logger.Fatal("no stored session and OMOMATRIX_USER/OMOMATRIX_PASS not set")
		}

		if !client.Login(user, pass) {
			logger.Fatal("login failed")
		}
	}

	logger.Infof("running as %s on %s", client.UserID(), client.Homeserver())

	client.OnSync(func(update *matrixclient.SyncUpdate) {
		logger.Debugf("sync: %d rooms, %d top-level spaces, %d orphans",
			len(update.Snapshot.Rooms), len(update.Hierarchy.TopLevelSpaces), len(update.Hierarchy.Orphans))

		// warm the avatar cache in the background so room lists render
		// without waiting on the network
		go func(snap *matrixclient.RoomSnapshot) {
			for _, room := range snap.Rooms {
				if room.AvatarURL == "" {
					continue
				}

				media.GetAvatar(context.Background(), client.Homeserver(), room.AvatarURL, 48, client.AccessToken())
			}
		}(update.Snapshot)
	})

	client.OnVerification(func(update matrixclient.VerificationUpdate) {
		logger.Infof("verification %s for %s with %s (%s)",
			update.Kind, update.TransactionID, update.UserID, update.DeviceID)
	})

	client.StartSync()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// stop syncing but keep the stored session so the next start
	// restores it without logging in again
	logger.Info("shutting down")
	client.StopSync()
}
