package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dudexyz/peerstream/pkg/client"
	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/peer"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/signaling"
	"github.com/dudexyz/peerstream/pkg/stream"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
)

var (
	flagCompact bool
	flagVideo   bool
	flagAudio   bool
	flagMedia   bool
	flagCamera  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <remote-id>",
	Short: "Connect to a remote peer and chat over the data channel",
	Long: `Register with the relay under --id, negotiate a connection with the
remote peer and chat: every line read from stdin is sent to the remote.
Type /quit to hang up.

Examples:
  peerstream connect --id alice bob
  peerstream connect --id alice --media bob
  peerstream connect --id alice --camera --audio=false bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.PeerID == "" {
			return errors.New("a peer id is required (--id, PEER_ID or peer_id)")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return connect(ctx, args[0], os.Stdin, cmd.OutOrStdout())
	},
}

func connect(ctx context.Context, remote string, in io.Reader, out io.Writer) error {
	source, err := mediaSource()
	if err != nil {
		return err
	}
	withMedia := source != nil
	mediaOpts := stream.MediaOptions{Video: cfg.Video && withMedia, Audio: cfg.Audio && withMedia}
	opts := stream.Options{Local: mediaOpts, Remote: stream.MediaOptions{Video: cfg.Video, Audio: cfg.Audio}}

	factory := pswebrtc.NewFactory(pswebrtc.Config{
		ICEServers:    cfg.ICEServers(),
		GatherTimeout: cfg.GatherTimeout,
		Logger:        logger,
	})
	dial := signaling.Dialer(ctx, cfg.SignalURL, signaling.ClientOptions{Compact: cfg.Compact, Logger: logger})

	p, err := peer.New(cfg.PeerID, dial,
		peer.WithLogger(logger),
		peer.WithConnFactory(factory),
		peer.WithMediaSource(source),
		peer.WithMediaConstraints(media.Constraints{Video: cfg.Video, Audio: cfg.Audio}),
		peer.WithDefaultOptions(opts),
	)
	if err != nil {
		return fmt.Errorf("connect to relay %s: %w", cfg.SignalURL, err)
	}
	defer p.Close()

	chat, err := client.NewChatClient(p, remote, logger)
	if err != nil {
		return err
	}

	closed := make(chan string, 1)
	chat.OnConnected(func() { fmt.Fprintf(out, "* connected to %s\n", remote) })
	chat.OnMessage(func(msg protocol.Message) {
		switch msg.Type {
		case client.TypeJoin:
			fmt.Fprintf(out, "* %s joined\n", msg.From)
		case client.TypeLeave:
			fmt.Fprintf(out, "* %s left\n", msg.From)
		default:
			fmt.Fprintf(out, "<%s> %s\n", msg.From, msg.Text)
		}
	})
	chat.OnMedia(func(rs *media.RemoteStream) {
		fmt.Fprintf(out, "* receiving media stream %s (%d tracks)\n", rs.ID, len(rs.Tracks()))
	})
	chat.OnDisconnected(func(reason string) {
		select {
		case closed <- reason:
		default:
		}
	})

	if withMedia {
		p.AddMedia(ctx, func(s *media.Stream, err error) {
			if err != nil {
				fmt.Fprintf(out, "* local media unavailable: %v\n", err)
				return
			}
			fmt.Fprintf(out, "* sending %d local tracks\n", len(s.Tracks()))
		})
	}

	if err := chat.Connect(ctx, opts); err != nil {
		return err
	}
	fmt.Fprintf(out, "* negotiating with %s as %s\n", remote, cfg.PeerID)

	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			return chat.Disconnect(context.Background())
		case reason := <-closed:
			fmt.Fprintf(out, "* disconnected: %s\n", reason)
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return chat.Disconnect(ctx)
			}
			if line == "" {
				continue
			}
			if err := chat.SendMessage(line); err != nil {
				fmt.Fprintf(out, "* not sent: %v (%s)\n", err, chat.ConnectionStatus())
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
}

// mediaSource picks the source the flags ask for, or nil for data only.
func mediaSource() (media.Source, error) {
	switch {
	case flagCamera:
		return deviceSource(logger)
	case flagMedia:
		return &media.SyntheticSource{}, nil
	}
	return nil, nil
}

func init() {
	rootCmd.AddCommand(connectCmd)

	f := connectCmd.Flags()
	f.StringVarP(&configOptions.PeerID, "id", "i", "", "Peer id to register under")
	f.StringVar(&configOptions.SignalURL, "signal", "", "Relay websocket URL")
	f.StringSliceVarP(&configOptions.STUNServers, "stun", "s", nil, "STUN server URLs")
	f.StringVarP(&configOptions.TURNServer, "turn", "t", "", "TURN server URL")
	f.StringVarP(&configOptions.TURNUser, "turn-user", "u", "", "TURN username")
	f.StringVarP(&configOptions.TURNPass, "turn-pass", "p", "", "TURN password")
	f.DurationVar(&configOptions.GatherTimeout, "gather-timeout", 0, "ICE gathering timeout")
	f.BoolVar(&flagCompact, "compact", false, "Compress session descriptions on the relay")
	f.BoolVar(&flagVideo, "video", true, "Exchange video")
	f.BoolVar(&flagAudio, "audio", true, "Exchange audio")
	f.BoolVar(&flagMedia, "media", false, "Send synthetic test media")
	f.BoolVar(&flagCamera, "camera", false, "Send camera and microphone")
}
