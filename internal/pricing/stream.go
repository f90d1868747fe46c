package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

// Stream keeps the oracle cache warm from an exchange book-ticker feed so
// intent evaluation does not wait on the HTTP price API between polls.
type Stream struct {
	baseURL           string
	reconnectInterval time.Duration
	oracle            *Oracle
	logger            *slog.Logger

	symbols      []string
	mintBySymbol map[string]solana.PublicKey
}

func NewStream(
	baseURL string,
	reconnectInterval time.Duration,
	symbolByMint map[solana.PublicKey]string,
	oracle *Oracle,
	logger *slog.Logger,
) *Stream {
	symbols := make([]string, 0, len(symbolByMint))
	mintBySymbol := make(map[string]solana.PublicKey, len(symbolByMint))
	for mint, symbol := range symbolByMint {
		symbol = strings.ToLower(symbol)
		if _, dup := mintBySymbol[symbol]; dup {
			continue
		}
		mintBySymbol[symbol] = mint
		symbols = append(symbols, symbol)
	}

	return &Stream{
		baseURL:           baseURL,
		reconnectInterval: reconnectInterval,
		oracle:            oracle,
		logger:            logger,
		symbols:           symbols,
		mintBySymbol:      mintBySymbol,
	}
}

// Run consumes the combined book-ticker stream until ctx is cancelled,
// reconnecting after transient failures.
func (s *Stream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		s.logger.Info("price stream disabled, no symbols configured")
		<-ctx.Done()
		return ctx.Err()
	}

	endpoint := s.streamURL()
	for {
		if err := s.consume(ctx, endpoint); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("price stream disconnected", "err", err, "retry_in", s.reconnectInterval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectInterval):
		}
	}
}

func (s *Stream) streamURL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		streams = append(streams, symbol+"@bookTicker")
	}
	return s.baseURL + "?streams=" + strings.Join(streams, "/")
}

type bookTickerEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol  string `json:"s"`
		BestBid string `json:"b"`
		BestAsk string `json:"a"`
	} `json:"data"`
}

func (s *Stream) consume(ctx context.Context, endpoint string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	s.logger.Info("price stream connected", "symbols", s.symbols)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var envelope bookTickerEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return fmt.Errorf("read stream message: %w", err)
		}

		symbol := strings.ToLower(envelope.Data.Symbol)
		mint, ok := s.mintBySymbol[symbol]
		if !ok {
			continue
		}

		bid, errBid := strconv.ParseFloat(envelope.Data.BestBid, 64)
		ask, errAsk := strconv.ParseFloat(envelope.Data.BestAsk, 64)
		if errBid != nil || errAsk != nil || bid <= 0 || ask <= 0 {
			continue
		}

		s.oracle.SetPrice(mint, (bid+ask)/2)
	}
}
