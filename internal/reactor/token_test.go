package reactor

import "testing"

func TestMakeTokenRoundTrip(t *testing.T) {
	cases := []struct {
		index Index
		ch    Channel
	}{
		{0, ChannelClient},
		{0, ChannelBackend},
		{MinIndex, ChannelClient},
		{MinIndex + 1, ChannelBackend},
		{^Index(0), ChannelBackend},
	}
	for _, c := range cases {
		tok := MakeToken(c.index, c.ch)
		if got := tok.Index(); got != c.index {
			t.Errorf("MakeToken(%d, %d).Index() = %d, want %d", c.index, c.ch, got, c.index)
		}
		if got := tok.Channel(); got != c.ch {
			t.Errorf("MakeToken(%d, %d).Channel() = %d, want %d", c.index, c.ch, got, c.ch)
		}
	}
}

func TestTokenPoolReserved(t *testing.T) {
	if !MakeToken(0, ChannelClient).PoolReserved() {
		t.Error("index 0 should be pool-reserved")
	}
	if !MakeToken(MinIndex-1, ChannelBackend).PoolReserved() {
		t.Error("index MinIndex-1 should be pool-reserved")
	}
	if MakeToken(MinIndex, ChannelClient).PoolReserved() {
		t.Error("index MinIndex should not be pool-reserved")
	}
}

func TestChannelCountCoversBothKinds(t *testing.T) {
	if ChannelClient >= channelCount || ChannelBackend >= channelCount {
		t.Fatal("channelCount must exceed every channel kind")
	}
	if ChannelClient == ChannelBackend {
		t.Fatal("ChannelClient and ChannelBackend must be distinct")
	}
}

func TestDistinctTokensForSameIndex(t *testing.T) {
	idx := Index(42)
	client := MakeToken(idx, ChannelClient)
	backend := MakeToken(idx, ChannelBackend)
	if client == backend {
		t.Fatal("tokens for the two channels of one index must differ")
	}
}
