package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var streamTestMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

func testStream(oracle *Oracle) *Stream {
	return NewStream("", time.Second, map[solana.PublicKey]string{streamTestMint: "SOLUSDT"}, oracle, discardLogger())
}

func wsEndpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamURLCombinesSymbols(t *testing.T) {
	stream := NewStream("wss://example/stream", time.Second,
		map[solana.PublicKey]string{streamTestMint: "SOLUSDT"}, nil, discardLogger())
	require.Equal(t, "wss://example/stream?streams=solusdt@bookTicker", stream.streamURL())
}

func TestConsumeFeedsOracleUntilServerCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msg := `{"stream":"solusdt@bookTicker","data":{"s":"SOLUSDT","b":"195.40","a":"195.60"}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}))
	defer srv.Close()

	oracle := NewOracle("http://unused", time.Minute, discardLogger())
	stream := testStream(oracle)

	err := stream.consume(context.Background(), wsEndpoint(srv))
	require.Error(t, err, "a closed feed ends the read loop")

	price, err := oracle.Price(context.Background(), streamTestMint)
	require.NoError(t, err)
	require.InDelta(t, 195.5, price, 1e-9, "mid of best bid and ask")
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	oracle := NewOracle("http://unused", time.Minute, discardLogger())
	stream := testStream(oracle)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- stream.consume(ctx, wsEndpoint(srv)) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return after cancellation")
	}
}
