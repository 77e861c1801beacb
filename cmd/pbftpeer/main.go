// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/consensus-labs/pbftcore/announcer"
	"github.com/consensus-labs/pbftcore/config"
	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/journal"
	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/messenger"
	"github.com/consensus-labs/pbftcore/opsmap"
	"github.com/consensus-labs/pbftcore/pbft"
)

var (
	configFile = kingpin.Flag("config", "Replica configuration file.").Short('c').Required().String()
	logLevel   = kingpin.Flag("log-level", "Override the configured logging level.").String()
)

func main() {
	kingpin.Parse()

	config.LoadFile(*configFile)

	// Configure logger.
	level := config.LoggingLevel()
	if *logLevel != "" {
		parsed, err := zerolog.ParseLevel(*logLevel)
		if err != nil {
			logger.Fatal().Str("level", *logLevel).Msg("Unknown logging level.")
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	logger.Logger = logger.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    true,
		TimeFormat: "15:04:05.000"})

	self, err := membership.ParseHost(fmt.Sprintf("%s:%d", config.Config.Address, config.Config.BasePort))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid own address.")
	}
	members, err := membership.ParseMembership(config.Config.InitialMembership)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid initial membership.")
	}

	// Load the long-lived key material.
	privKey, err := crypto.PrivateKeyFromFile(config.Config.KeyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("keyFile", config.Config.KeyFile).Msg("Could not load private key.")
	}
	truststore, err := crypto.LoadTruststore(config.Config.TruststoreDir)
	if err != nil {
		logger.Fatal().Err(err).Str("truststoreDir", config.Config.TruststoreDir).Msg("Could not load truststore.")
	}

	ops, err := opsmap.Open(config.Config.OpsStorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not open operation store.")
	}
	defer ops.Close()

	an := announcer.New()
	initials := an.InitialNotifications()
	views := an.ViewChanges()
	committed := an.CommittedNotifications()
	suspects := an.LeaderSuspicions()

	msgr := messenger.NewMessenger(self)

	protocol, err := pbft.New(pbft.Params{
		Self:          self,
		Members:       members,
		CryptoName:    config.Config.CryptoName,
		PrivKey:       privKey,
		Truststore:    truststore,
		ReconnectTime: config.Config.ReconnectTime(),
		LeaderTimeout: config.Config.LeaderTimeout(),
		ChannelID:     int(config.Config.BasePort),
	}, ops, msgr, an)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not assemble protocol instance.")
	}

	msgr.HandleMessages(protocol.Deliver)
	msgr.HandleMessageFailed(protocol.MessageFailed)
	msgr.HandleConnectionEvents(func(ev messenger.ConnectionEvent) {
		protocol.ConnectionUpdate(connectionEvent(ev))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go msgr.Start(&wg)

	// Consume the upcalls. With a journal configured, committed blocks are
	// recorded in delivery order.
	var jnl *journal.Journal
	if config.Config.JournalPath != "" {
		jnl, err = journal.Open(config.Config.JournalPath)
		if err != nil {
			logger.Fatal().Err(err).Str("journalPath", config.Config.JournalPath).Msg("Could not open journal.")
		}
		defer jnl.Close()
	}
	go consumeNotifications(initials, views, committed, suspects, jnl)

	// Grace period for the peers to come up before connections are opened.
	logger.Info().Dur("grace", config.Config.StartupGrace()).Msg("Standing by to establish connections.")
	time.Sleep(config.Config.StartupGrace())

	protocol.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down.")
	protocol.Stop()
	msgr.Stop()
}

func connectionEvent(ev messenger.ConnectionEvent) pbft.ConnectionEvent {
	switch ev.Kind {
	case messenger.OutConnectionUp:
		return pbft.ConnectionEvent{Kind: pbft.ConnUp, Outbound: true, Peer: ev.Peer}
	case messenger.OutConnectionDown:
		return pbft.ConnectionEvent{Kind: pbft.ConnDown, Outbound: true, Peer: ev.Peer}
	case messenger.OutConnectionFailed:
		return pbft.ConnectionEvent{Kind: pbft.ConnFailed, Outbound: true, Peer: ev.Peer}
	case messenger.InConnectionUp:
		return pbft.ConnectionEvent{Kind: pbft.ConnUp, Outbound: false, Peer: ev.Peer}
	default:
		return pbft.ConnectionEvent{Kind: pbft.ConnDown, Outbound: false, Peer: ev.Peer}
	}
}

func consumeNotifications(
	initials <-chan announcer.InitialNotification,
	views <-chan announcer.ViewChange,
	committed <-chan announcer.CommittedNotification,
	suspects <-chan announcer.SuspectedLeader,
	jnl *journal.Journal,
) {
	for {
		select {
		case n := <-initials:
			logger.Info().Str("self", n.Self.String()).Int("channelID", n.ChannelID).Msg("Channel open.")
		case n := <-views:
			logger.Info().Uint32("viewNumber", n.ViewNumber).Int("members", len(n.Members)).Msg("View installed.")
		case n := <-committed:
			logger.Info().Int("blockSize", len(n.Block)).Msg("Block committed.")
			if jnl != nil {
				if err := jnl.Append(n.Block); err != nil {
					logger.Error().Err(err).Msg("Could not journal committed block.")
				}
			}
		case n := <-suspects:
			logger.Warn().Uint32("viewNumber", n.ViewNumber).Msg("Leader suspected.")
		}
	}
}
