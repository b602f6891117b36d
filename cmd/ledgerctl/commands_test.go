package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/hypetoken/ledger-engine/internal/config"
	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/staking"
)

func testConfig(store, path string) loader {
	return func() (*config.Config, error) {
		return &config.Config{
			Store:              store,
			SQLitePath:         path,
			JobTimeout:         time.Minute,
			ValidatorInterval:  time.Minute,
			StakingInterval:    time.Minute,
			AuditorInterval:    time.Minute,
			ReconcilerInterval: time.Minute,
			ReporterInterval:   time.Minute,
			SupplyEpsilon:      "1",
		}, nil
	}
}

func run(t *testing.T, load loader, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(load)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--pretty=false"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSimulate(t *testing.T) {
	out, err := run(t, testConfig(config.StoreMemory, ""), "simulate", "--amount", "10000", "--tier", "silver")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var sim staking.Simulation
	if err := json.Unmarshal([]byte(out), &sim); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if sim.ROIPercent.String() != "6.66" {
		t.Errorf("roi = %s", sim.ROIPercent)
	}

	if _, err := run(t, testConfig(config.StoreMemory, ""), "simulate", "--amount", "10", "--tier", "gold"); err == nil {
		t.Error("expected a below-minimum error")
	}
}

func TestVesting(t *testing.T) {
	out, err := run(t, testConfig(config.StoreMemory, ""), "vesting", "team", "--at", "2027-12-01T00:00:00Z")
	if err != nil {
		t.Fatalf("vesting: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatal(err)
	}
	if body["vested"] != "100000000" {
		t.Errorf("team vested after full term = %v", body["vested"])
	}

	if _, err := run(t, testConfig(config.StoreMemory, ""), "vesting", "airdrop"); err == nil {
		t.Error("expected an unknown category error")
	}
}

func TestCheckConfig(t *testing.T) {
	out, err := run(t, testConfig(config.StoreMemory, ""), "check-config")
	if err != nil {
		t.Fatalf("check-config: %v\n%s", err, out)
	}
}

func TestFlowThenReconcile_SQLite(t *testing.T) {
	load := testConfig(config.StoreSQLite, t.TempDir()+"/ledger.db")

	out, err := run(t, load, "flow", "--category", "presale", "--amount", "1000", "--destination", "w1", "--reason", "presale buy")
	if err != nil {
		t.Fatalf("flow: %v", err)
	}
	var receipt ledger.Receipt
	if err := json.Unmarshal([]byte(out), &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Distributed.String() != "1000" {
		t.Errorf("distributed = %s", receipt.Distributed)
	}

	out, err = run(t, load, "reconcile")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var res struct {
		AllMatched bool `json:"all_matched"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if !res.AllMatched {
		t.Errorf("reconcile after one flow = %s", out)
	}

	if _, err := run(t, load, "flow", "--category", "presale", "--amount", "1.5"); err == nil {
		t.Error("expected a fractional amount error")
	}
}
