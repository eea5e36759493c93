package modem_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/cellgw/at"
	"i4.energy/across/cellgw/modem"
)

func TestModemNew(t *testing.T) {
	t.Run("Dials the transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m == nil {
			t.Fatal("New() should return valid modem on success")
		}

		mockTransport.EXPECT().Close().Return(nil)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		_, err := modem.New(context.Background(), modem.Config{Dialer: mockDialer})
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})
}

func TestModemClose(t *testing.T) {
	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		closeError := errors.New("transport close failed")
		gomock.InOrder(
			mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			mockTransport.EXPECT().Close().Return(closeError),
		)

		m, err := modem.New(context.Background(), modem.Config{Dialer: mockDialer})
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != closeError {
			t.Errorf("expected transport error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on double close", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			mockTransport.EXPECT().Close().Return(nil),
		)

		m, err := modem.New(context.Background(), modem.Config{Dialer: mockDialer})
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}
		if err := m.Close(); err != modem.ErrAlreadyClosed {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}
	})

	t.Run("Exec after close", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{
			Dialer: modem.StaticDialer{Transport: modem.NewTestTransport()},
		})
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		m.Close()

		if _, err := m.Exec(context.Background(), at.CmdAt); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed, got: %v", err)
		}
	})
}

func TestModemLoop(t *testing.T) {
	t.Run("Starts and stops on EOF", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m, err := modem.New(ctx, modem.Config{Dialer: mockDialer})
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		allowEOF := make(chan struct{})
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-allowEOF
			return 0, io.EOF
		})
		mockTransport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		close(allowEOF)
		err = <-loopDone

		if err != nil && !errors.Is(err, io.EOF) {
			t.Errorf("expected Loop to handle EOF gracefully, got: %v", err)
		}
	})

	t.Run("Exits gracefully on context cancellation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		ctx, cancel := context.WithCancel(context.Background())
		m, err := modem.New(ctx, modem.Config{Dialer: mockDialer})
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		readStarted := make(chan struct{})
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			close(readStarted)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		mockTransport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		<-readStarted
		cancel()

		err = <-loopDone
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected Loop to return context.Canceled, got: %v", err)
		}
	})

	t.Run("Handle scanner errors from Transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		ctx := context.Background()
		m, err := modem.New(ctx, modem.Config{Dialer: mockDialer})
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		scannerError := errors.New("transport read error")
		mockTransport.EXPECT().Read(gomock.Any()).Return(0, scannerError)
		mockTransport.EXPECT().Close().Return(nil)

		err = m.Loop(ctx)
		if err == nil {
			t.Fatal("expected Loop to return scanner error")
		}
		if !strings.Contains(err.Error(), "scanner error") {
			t.Errorf("expected scanner error to be wrapped, got: %v", err)
		}
	})

	t.Run("ErrLoopRunning on consecutive calls", func(t *testing.T) {
		tt := modem.NewTestTransport()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m, err := modem.New(ctx, modem.Config{Dialer: modem.StaticDialer{Transport: tt}})
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		// Give first Loop time to start and set the running flag
		time.Sleep(10 * time.Millisecond)

		err = m.Loop(ctx)
		if !errors.Is(err, modem.ErrLoopRunning) {
			t.Errorf("expected ErrLoopRunning, got: %v", err)
		}

		cancel()
		<-loopDone
	})
}

// startLoop creates a modem over a scripted transport and runs its Loop
// until the test ends.
func startLoop(t *testing.T, script *ScriptBuilder, opts ...func(*modem.ConfigBuilder)) (*modem.Modem, *modem.TestTransport) {
	t.Helper()

	tt := script.Transport()
	b := modem.NewConfigBuilder().
		WithDialer(modem.StaticDialer{Transport: tt}).
		WithATTimeout(time.Second)
	for _, opt := range opts {
		opt(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- m.Loop(context.Background())
	}()

	t.Cleanup(func() {
		m.Close()
		<-loopDone
	})
	return m, tt
}

func TestModemExec(t *testing.T) {
	t.Run("Returns response lines with final result", func(t *testing.T) {
		m, tt := startLoop(t, NewScript().On("AT+CPIN?", "+CPIN: READY\r\nOK\r\n"))

		resp, err := m.Exec(context.Background(), "AT+CPIN?")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "+CPIN: READY\nOK" {
			t.Errorf("unexpected response: %q", resp)
		}
		if w := tt.Written(); len(w) != 1 || w[0] != "AT+CPIN?" {
			t.Errorf("unexpected writes: %v", w)
		}
	})

	t.Run("Module error is typed", func(t *testing.T) {
		m, _ := startLoop(t, NewScript().On("AT+USOCR=6", "+CME ERROR: operation not allowed\r\n"))

		_, err := m.Exec(context.Background(), "AT+USOCR=6")

		var ce *modem.CommandError
		if !errors.As(err, &ce) {
			t.Fatalf("expected CommandError, got: %v", err)
		}
		if ce.Command != "AT+USOCR=6" {
			t.Errorf("unexpected command in error: %q", ce.Command)
		}
		if ce.Code() != "operation not allowed" {
			t.Errorf("unexpected error code: %q", ce.Code())
		}
		if !modem.IsModuleError(err) {
			t.Error("expected IsModuleError to report true")
		}
	})

	t.Run("Timeout releases the link for the next command", func(t *testing.T) {
		m, _ := startLoop(t, NewScript().OK("AT"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := m.Exec(ctx, "AT+CGATT?")
		if !modem.IsTimeout(err) {
			t.Fatalf("expected timeout, got: %v", err)
		}
		if modem.IsModuleError(err) {
			t.Error("timeout must not be reported as module error")
		}

		if _, err := m.Exec(context.Background(), "AT"); err != nil {
			t.Errorf("expected next command to succeed, got: %v", err)
		}
	})

	t.Run("Read command keeps its answer", func(t *testing.T) {
		m, tt := startLoop(t, NewScript().On("AT+CREG?", "+CREG: 2,1,\"0A1B\",\"00C0FFEE\",0\r\nOK\r\n"))
		urcs := m.Subscribe(at.UrcCreg)

		resp, err := m.Exec(context.Background(), "AT+CREG?")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(resp, "+CREG: 2,1") {
			t.Errorf("expected registration status in response, got: %q", resp)
		}

		select {
		case line := <-urcs:
			t.Errorf("response line leaked to subscribers: %q", line)
		case <-time.After(20 * time.Millisecond):
		}

		tt.SendData("+CREG: 5\r\n")
		select {
		case line := <-urcs:
			if line != "+CREG: 5" {
				t.Errorf("unexpected URC: %q", line)
			}
		case <-time.After(time.Second):
			t.Error("expected URC to be received within timeout")
		}
	})

	t.Run("URC interleaved with a response", func(t *testing.T) {
		m, _ := startLoop(t, NewScript().On("AT+CSQ", "+UUSORD: 0,12\r\n+CSQ: 20,99\r\nOK\r\n"))
		urcs := m.Subscribe(at.UrcSocketData, at.UrcSocketClosed)

		resp, err := m.Exec(context.Background(), "AT+CSQ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "+CSQ: 20,99\nOK" {
			t.Errorf("unexpected response: %q", resp)
		}

		select {
		case line := <-urcs:
			if line != "+UUSORD: 0,12" {
				t.Errorf("unexpected URC: %q", line)
			}
		case <-time.After(time.Second):
			t.Error("expected URC to be received within timeout")
		}
	})

	t.Run("Commands are spaced", func(t *testing.T) {
		m, _ := startLoop(t, NewScript().OK("AT"), func(b *modem.ConfigBuilder) {
			b.WithMinCommandInterval(50 * time.Millisecond)
		})

		start := time.Now()
		for range 2 {
			if _, err := m.Exec(context.Background(), "AT"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("expected at least 50ms between commands, took %v", elapsed)
		}
	})
}

func TestModemSubscribe(t *testing.T) {
	t.Run("Filters by prefix", func(t *testing.T) {
		m, tt := startLoop(t, NewScript())
		reg := m.Subscribe(at.UrcCreg, at.UrcCgreg, at.UrcCereg)
		sockets := m.Subscribe(at.UrcSocketData)

		tt.SendData("+UUSORD: 1,4\r\n+CEREG: 1\r\n")

		select {
		case line := <-reg:
			if line != "+CEREG: 1" {
				t.Errorf("unexpected registration URC: %q", line)
			}
		case <-time.After(time.Second):
			t.Error("expected registration URC")
		}
		select {
		case line := <-sockets:
			if line != "+UUSORD: 1,4" {
				t.Errorf("unexpected socket URC: %q", line)
			}
		case <-time.After(time.Second):
			t.Error("expected socket URC")
		}
	})

	t.Run("Channels close when the loop ends", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, err := modem.New(context.Background(), modem.Config{Dialer: modem.StaticDialer{Transport: tt}})
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		urcs := m.Subscribe(at.UrcSocketClosed)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(context.Background())
		}()

		tt.Close()
		if err := <-loopDone; !errors.Is(err, io.EOF) {
			t.Errorf("expected io.EOF, got: %v", err)
		}

		select {
		case _, ok := <-urcs:
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Error("subscription channel was not closed")
		}

		late := m.Subscribe(at.UrcCreg)
		if _, ok := <-late; ok {
			t.Error("subscription after loop end should be closed")
		}
	})
}
