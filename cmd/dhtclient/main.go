package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/zde37/dhtp/internal/config"
	"github.com/zde37/dhtp/internal/transport"
	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
)

const (
	clientTag = "12345"
	clientTTL = 100
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -host IP -server-file FILE [flags] get|put KEY [VAL]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s -admin HOST:PORT [flags] status|leave\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	host := flag.String("host", "127.0.0.1", "IP address to bind the client socket to")
	serverFile := flag.String("server-file", "", "Address file of the server to send requests to")
	adminAddr := flag.String("admin", "", "Admin gRPC address for status and leave")
	authToken := flag.String("auth-token", "", "Admin API token (defaults to $DHTP_AUTH_TOKEN)")
	timeout := flag.Duration("timeout", 5*time.Second, "How long to wait for a reply")
	debug := flag.Bool("debug", false, "Log the datagrams exchanged")
	flag.Usage = usage
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("DHTP_AUTH_TOKEN")
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Format = "console"
	loggerConfig.Level = "warn"
	if *debug {
		loggerConfig.Level = "debug"
	}
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd := args[0]; cmd {
	case "get", "put":
		err = request(ctx, *host, *serverFile, args, logger)
	case "status":
		err = adminStatus(ctx, *adminAddr, *authToken, *timeout, logger)
	case "leave":
		err = adminLeave(ctx, *adminAddr, *authToken, logger)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		logger.Close()
		os.Exit(1)
	}
}

// request sends one get or put datagram and prints the reply.
func request(ctx context.Context, host, serverFile string, args []string, logger *pkg.Logger) error {
	if serverFile == "" {
		return fmt.Errorf("-server-file is required for %s", args[0])
	}
	if len(args) < 2 {
		return fmt.Errorf("%s needs a key", args[0])
	}

	server, err := config.ReadAddrFile(serverFile)
	if err != nil {
		return err
	}

	tr, err := transport.ListenUDP(host, 0, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	kind, err := wire.ParseKind(args[0])
	if err != nil {
		return err
	}
	msg := wire.New(kind)
	msg.Key = args[1]
	msg.Tag = clientTag
	msg.TTL = clientTTL
	if len(args) > 2 {
		msg.SetVal(args[2])
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	logger.Debug().Stringer("to", server).Str("packet", msg.String()).Msg("Sending")
	if err := tr.Send(server, msg.Encode()); err != nil {
		return err
	}

	for {
		payload, from, err := tr.Receive(ctx)
		if err != nil {
			return fmt.Errorf("waiting for reply: %w", err)
		}
		logger.Debug().Stringer("from", from).Bytes("packet", payload).Msg("Received")

		reply, err := wire.Decode(payload)
		if err != nil || reply.Tag != clientTag {
			logger.Warn().Stringer("from", from).Msg("Ignoring unexpected datagram")
			continue
		}

		printReply(from, reply)
		return nil
	}
}

func printReply(from netip.AddrPort, reply *wire.Message) {
	fmt.Printf("reply from %s\n%s", from, reply.String())
}

func adminStatus(ctx context.Context, addr, token string, timeout time.Duration, logger *pkg.Logger) error {
	if addr == "" {
		return fmt.Errorf("-admin is required for status")
	}

	client, err := transport.NewAdminClient(addr, token, timeout, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func adminLeave(ctx context.Context, addr, token string, logger *pkg.Logger) error {
	if addr == "" {
		return fmt.Errorf("-admin is required for leave")
	}

	client, err := transport.NewAdminClient(addr, token, 0, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Leave(ctx); err != nil {
		return err
	}
	fmt.Println("node left the ring")
	return nil
}
