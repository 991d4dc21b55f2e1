package adapters

import (
	"testing"
)

func TestBuildSelectsConfiguredKinds(t *testing.T) {
	bundle, err := Build(Config{Feed: "mock", News: "mock", Broker: "mock"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer bundle.Close()

	if _, ok := bundle.Bars.(*MockFeed); !ok {
		t.Errorf("Bars = %T, want *MockFeed", bundle.Bars)
	}
	if _, ok := bundle.News.(*MockNews); !ok {
		t.Errorf("News = %T, want *MockNews", bundle.News)
	}
	if _, ok := bundle.Broker.(*MockBroker); !ok {
		t.Errorf("Broker = %T, want *MockBroker", bundle.Broker)
	}
}

func TestBuildDefaultsAndFallbacks(t *testing.T) {
	// Empty selections fall back to safe local adapters.
	bundle, err := Build(Config{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer bundle.Close()

	if _, ok := bundle.Bars.(*SimFeed); !ok {
		t.Errorf("Bars = %T, want *SimFeed", bundle.Bars)
	}
	if _, ok := bundle.Broker.(*SimBroker); !ok {
		t.Errorf("Broker = %T, want *SimBroker", bundle.Broker)
	}

	// HTTP feed without a URL degrades to sim rather than failing the
	// whole process.
	bundle, err = Build(Config{Feed: "http", News: "http", Broker: "sim"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer bundle.Close()
	if _, ok := bundle.Bars.(*SimFeed); !ok {
		t.Errorf("Bars = %T, want *SimFeed fallback", bundle.Bars)
	}
}

func TestBuildRefusesBrokerWithoutEndpoint(t *testing.T) {
	if _, err := Build(Config{Broker: "http"}); err == nil {
		t.Fatal("Build() with broker http and no URL should fail")
	}
	if _, err := Build(Config{Broker: "paper"}); err == nil {
		t.Fatal("Build() with unknown broker kind should fail")
	}
}

func TestBuildHonorsEnvOverride(t *testing.T) {
	t.Setenv("FEED_ADAPTER", "mock")

	bundle, err := Build(Config{Feed: "sim", News: "mock", Broker: "mock"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer bundle.Close()

	if _, ok := bundle.Bars.(*MockFeed); !ok {
		t.Errorf("Bars = %T, want *MockFeed from env override", bundle.Bars)
	}
}
