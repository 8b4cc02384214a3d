package contract_history

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/memory"
	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
)

func newTestService(t *testing.T, config Config, store *memory.Store, chain *fakeChain, registry *fakeRegistry) *Service {
	t.Helper()
	s, err := NewService(config, store, chain, registry)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

// --- Test: NewService ---

func TestNewService_NilDependencies(t *testing.T) {
	store := memory.NewStore()
	chain := &fakeChain{}
	registry := &fakeRegistry{abi: testABI}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"nil store", func() error { _, err := NewService(Config{}, nil, chain, registry); return err }},
		{"nil chain", func() error { _, err := NewService(Config{}, store, nil, registry); return err }},
		{"nil registry", func() error { _, err := NewService(Config{}, store, chain, nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// --- Test: GetContract ---

func TestGetContract(t *testing.T) {
	registry := &fakeRegistry{abi: testABI}
	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{}, registry)

	meta, err := s.GetContract(context.Background(), testAddress, false)
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	if meta.Address != testAddress {
		t.Errorf("expected address %s, got %s", testAddress, meta.Address)
	}
	if !slices.Equal(meta.Variables, []string{"totalSupply", "decimals", "delta"}) {
		t.Errorf("unexpected variables: %v", meta.Variables)
	}
	if meta.ABI != nil {
		t.Error("ABI should be omitted unless requested")
	}
}

func TestGetContract_IncludeABI(t *testing.T) {
	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{}, &fakeRegistry{abi: testABI})

	meta, err := s.GetContract(context.Background(), testAddress, true)
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	if string(meta.ABI) != testABI {
		t.Errorf("expected raw ABI, got %s", meta.ABI)
	}
}

func TestGetContract_ChecksumVariantsShareCache(t *testing.T) {
	ctx := context.Background()
	registry := &fakeRegistry{abi: testABI}
	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{}, registry)

	for _, addr := range []string{
		testAddress,
		"0x6B175474E89094C44Da98b954EedeAC495271d0F",
		"  " + strings.ToUpper(testAddress[2:]) + " ",
	} {
		meta, err := s.GetContract(ctx, addr, false)
		if err != nil {
			t.Fatalf("GetContract(%q): %v", addr, err)
		}
		if meta.Address != testAddress {
			t.Errorf("expected normalized address, got %s", meta.Address)
		}
	}
	if got := registry.calls.Load(); got != 1 {
		t.Errorf("expected 1 registry call, got %d", got)
	}
}

func TestGetContract_InvalidAddress(t *testing.T) {
	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{}, &fakeRegistry{abi: testABI})

	for _, addr := range []string{"", "0x123", "not-an-address"} {
		_, err := s.GetContract(context.Background(), addr, false)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) || ve.Field != "address" {
			t.Errorf("%q: expected address ValidationError, got %v", addr, err)
		}
	}
}

// --- Test: GetVariableHistory ---

func TestGetVariableHistory_Validation(t *testing.T) {
	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{head: 10}, &fakeRegistry{abi: testABI})

	_, err := s.GetVariableHistory(context.Background(), testAddress, "")
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "variable" {
		t.Errorf("expected variable ValidationError, got %v", err)
	}

	_, err = s.GetVariableHistory(context.Background(), "0xzz", "totalSupply")
	if !errors.As(err, &ve) || ve.Field != "address" {
		t.Errorf("expected address ValidationError, got %v", err)
	}
}

func TestGetVariableHistory_NoHistoryCacheByDefault(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	chain := &fakeChain{head: 100, events: eventsAt(10, 20)}
	s := newTestService(t, Config{}, store, chain, &fakeRegistry{abi: testABI})

	for range 2 {
		if _, err := s.GetVariableHistory(ctx, testAddress, "totalSupply"); err != nil {
			t.Fatalf("GetVariableHistory: %v", err)
		}
	}
	if n := chain.traceCalls(); n != 2 {
		t.Errorf("expected every request to scan traces, got %d scans", n)
	}
	for _, k := range store.Keys() {
		if strings.HasPrefix(k, NamespaceHistory+"/") {
			t.Errorf("unexpected history entry %s", k)
		}
	}
}

func TestGetVariableHistory_HistoryCache(t *testing.T) {
	tests := []struct {
		name      string
		persist   bool
		wantScans int
	}{
		{"read-through", false, 2},
		{"write-through", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore()
			chain := &fakeChain{head: 100, events: eventsAt(10, 20)}
			s := newTestService(t, Config{CacheHistory: true, PersistHistory: tt.persist}, store, chain, &fakeRegistry{abi: testABI})

			first, err := s.GetVariableHistory(ctx, testAddress, "totalSupply")
			if err != nil {
				t.Fatalf("first: %v", err)
			}
			second, err := s.GetVariableHistory(ctx, testAddress, "totalSupply")
			if err != nil {
				t.Fatalf("second: %v", err)
			}

			if !slices.Equal(first, second) {
				t.Errorf("expected identical series, got %v and %v", first, second)
			}
			if n := chain.traceCalls(); n != tt.wantScans {
				t.Errorf("expected %d trace scans, got %d", tt.wantScans, n)
			}

			stored := slices.Contains(store.Keys(), NamespaceHistory+"/"+testAddress+"/totalSupply")
			if stored != tt.persist {
				t.Errorf("expected stored=%v, keys: %v", tt.persist, store.Keys())
			}
		})
	}
}

func TestGetVariableHistory_ServesPreexistingHistoryEntry(t *testing.T) {
	store := memory.NewStore()
	store.Set(NamespaceHistory+"/"+testAddress+"/totalSupply", []byte(`{"v":1,"data":[{"time":1000,"val":"7"}]}`))
	chain := &fakeChain{head: 100, events: eventsAt(10)}
	s := newTestService(t, Config{CacheHistory: true}, store, chain, &fakeRegistry{abi: testABI})

	series, err := s.GetVariableHistory(context.Background(), testAddress, "totalSupply")
	if err != nil {
		t.Fatalf("GetVariableHistory: %v", err)
	}
	if len(series) != 1 || series[0].Time != 1000 || series[0].Value != "7" {
		t.Errorf("expected stored series, got %v", series)
	}
	if chain.traceCalls() != 0 {
		t.Error("stored history should not trigger a trace scan")
	}
}

func TestGetVariableHistory_UnknownVariable(t *testing.T) {
	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{head: 10}, &fakeRegistry{abi: testABI})

	_, err := s.GetVariableHistory(context.Background(), testAddress, "balanceOf")
	if !errors.Is(err, apperr.ErrUnknownVariable) {
		t.Errorf("expected ErrUnknownVariable, got %v", err)
	}
}

// --- Test: Ready ---

func TestReady(t *testing.T) {
	ctx := context.Background()

	s := newTestService(t, Config{}, memory.NewStore(), &fakeChain{head: 1}, &fakeRegistry{abi: testABI})
	if err := s.Ready(ctx); err != nil {
		t.Errorf("expected ready, got %v", err)
	}

	closed := memory.NewStore()
	_ = closed.Close()
	s = newTestService(t, Config{}, closed, &fakeChain{head: 1}, &fakeRegistry{abi: testABI})
	if err := s.Ready(ctx); apperr.KindOf(err) != apperr.KindStore {
		t.Errorf("expected StoreError from closed store, got %v", err)
	}

	s = newTestService(t, Config{}, memory.NewStore(), &fakeChain{headErr: errNodeDown}, &fakeRegistry{abi: testABI})
	if err := s.Ready(ctx); !errors.Is(err, errNodeDown) {
		t.Errorf("expected chain error, got %v", err)
	}
}

func TestService_NullDescriptorEntryIsMalformed(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		config Config
		call   func(s *Service) error
	}{
		{
			name:   "contract metadata",
			config: Config{},
			call: func(s *Service) error {
				_, err := s.GetContract(ctx, testAddress, true)
				return err
			},
		},
		{
			name:   "history",
			config: Config{},
			call: func(s *Service) error {
				_, err := s.GetVariableHistory(ctx, testAddress, "totalSupply")
				return err
			},
		},
		{
			name:   "history through the history cache",
			config: Config{CacheHistory: true},
			call: func(s *Service) error {
				_, err := s.GetVariableHistory(ctx, testAddress, "totalSupply")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			store.Set(NamespaceContracts+"/"+testAddress, []byte(`{"v":1,"data":null}`))
			registry := &fakeRegistry{abi: testABI}
			s := newTestService(t, tt.config, store, &fakeChain{head: 100, events: eventsAt(10)}, registry)

			err := tt.call(s)
			var me *apperr.MalformedDataError
			if !errors.As(err, &me) {
				t.Fatalf("expected MalformedDataError, got %v", err)
			}
			if registry.calls.Load() != 0 {
				t.Error("a corrupt entry must not fall back to the registry")
			}
		})
	}
}
