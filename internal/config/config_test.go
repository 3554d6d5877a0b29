package config

import "testing"

func defaultConfig() *Config {
	return &Config{
		NSlots: 64, SlotSize: 4096, SlotAlignment: 64,
		ContentSize: 4096, ContentAlignment: 64,
		MaxReceivers: 16, MaxClasses: 8,
		Classes:                "default:16:",
		AvailableQueueCapacity: 256, MaxClientQueueCapacity: 256, FreeQueueCapacity: 256,
		SocketPath: "/tmp/shmchan.sock",
		LogLevel:   "info", LogFormat: "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("expected the default configuration to validate, got %v", err)
	}
}

func TestValidateRejectsNonPowerOfTwoAlignment(t *testing.T) {
	c := defaultConfig()
	c.SlotAlignment = 3
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a non-power-of-two slot alignment")
	}
}

func TestValidateRejectsContentLargerThanSlot(t *testing.T) {
	c := defaultConfig()
	c.ContentSize = c.SlotSize + 1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error when content size exceeds slot size")
	}
}

func TestValidateRejectsMaxReceiversOutOfRange(t *testing.T) {
	c := defaultConfig()
	c.MaxReceivers = 64
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for MaxReceivers above 63")
	}
	c.MaxReceivers = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for MaxReceivers of 0")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := defaultConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for an unrecognized log level")
	}
}

func TestParseClassesSingleEntry(t *testing.T) {
	c := defaultConfig()
	c.Classes = "primary:4:alice,bob"
	defs, err := c.ParseClasses()
	if err != nil {
		t.Fatalf("ParseClasses failed: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 class def, got %d", len(defs))
	}
	d := defs[0]
	if d.Name != "primary" || d.Cap != 4 || len(d.Members) != 2 || d.Members[0] != "alice" || d.Members[1] != "bob" {
		t.Fatalf("unexpected class def: %+v", d)
	}
}

func TestParseClassesMultipleEntries(t *testing.T) {
	c := defaultConfig()
	c.Classes = "a:1:;b:2:x"
	defs, err := c.ParseClasses()
	if err != nil {
		t.Fatalf("ParseClasses failed: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "a" || defs[1].Name != "b" {
		t.Fatalf("unexpected class defs: %+v", defs)
	}
}

func TestParseClassesRejectsMalformedEntry(t *testing.T) {
	c := defaultConfig()
	c.Classes = "noCapHere"
	if _, err := c.ParseClasses(); err == nil {
		t.Fatalf("expected an error for an entry missing a cap field")
	}
}

func TestParseClassesRejectsEmpty(t *testing.T) {
	c := defaultConfig()
	c.Classes = "  ; ;"
	if _, err := c.ParseClasses(); err == nil {
		t.Fatalf("expected an error when no class is defined")
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	cases := map[uint32]bool{0: false, 1: true, 2: true, 3: false, 64: true, 96: false}
	for n, want := range cases {
		if got := isPowerOfTwo(n); got != want {
			t.Fatalf("isPowerOfTwo(%d) = %v, want %v", n, got, want)
		}
	}
}
