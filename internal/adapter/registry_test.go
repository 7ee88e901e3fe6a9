package adapter

import (
	"reflect"
	"strings"
	"testing"
)

func TestRegistryResolveBuiltins(t *testing.T) {
	r := NewRegistry()

	for _, c := range []Connector{ConnectorFixture, ConnectorOFXOffline} {
		if !r.Known(c) {
			t.Errorf("Known(%s) = false; want true", c)
		}
		ad, err := r.Resolve(c)
		if err != nil {
			t.Errorf("Resolve(%s): %v", c, err)
		}
		if ad == nil {
			t.Errorf("Resolve(%s) returned nil adapter", c)
		}
	}
}

func TestRegistryUnknownConnector(t *testing.T) {
	r := NewRegistry()

	if r.Known("PLAID") {
		t.Error("Known(PLAID) = true; want false")
	}
	_, err := r.Resolve("PLAID")
	if err == nil {
		t.Fatal("Resolve(PLAID) succeeded; want error")
	}
	if !strings.Contains(err.Error(), "PLAID") {
		t.Errorf("error %q does not name the unknown connector", err)
	}
}

func TestRegistryConnectorsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("ZZZ_TEST", func() Adapter { return NewFixtureAdapter() })

	got := r.Connectors()
	want := []string{"FIXTURE", "OFX_OFFLINE", "ZZZ_TEST"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Connectors() = %v; want %v", got, want)
	}
}
