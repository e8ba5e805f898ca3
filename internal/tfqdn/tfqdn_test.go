package tfqdn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{
		"nfudm2.mnc.123.mcc.321.ericsson.se:15713",
		"http://[fe80::1ff:fe23:4567:890a%25eth0]/",
		"abcdefghijklmnopqrsrtuvwxyz0123456789-:.%_!$'()*,;=[]",
		"amf.5gc.mnc.001.mcc.001.3gppnetwork.org",
		"scp.sepp.nrf.udm.udr.pcf",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			encoded := Encode(s)
			require.NotEmpty(t, encoded)
			assert.Regexp(t, `^[a-z0-9-]+$`, encoded)

			decoded := Decode(encoded)
			assert.Equal(t, strings.ToLower(s), decoded)

			decodedUpper := Decode(strings.ToUpper(encoded))
			assert.Equal(t, strings.ToLower(s), decodedUpper)
		})
	}
}

func TestEncodeAlphabetOnlyProducesLegalLabel(t *testing.T) {
	encoded := Encode("UDM2.MNC.001.MCC.206.3GPPNETWORK.ORG")
	assert.Regexp(t, `^[a-z0-9-]+$`, encoded)
}

func TestDecodeTruncatedEscapeFails(t *testing.T) {
	assert.Empty(t, Decode("amfq"))
	assert.Empty(t, Decode("amfz"))
	assert.Empty(t, Decode(Encode("nrf")+"q"))
	assert.Empty(t, Decode(Encode("nrf")+"z"))
}

func TestDecodeUnknownEscapeFails(t *testing.T) {
	assert.Empty(t, Decode("q#")) // '#' has no q-escape entry
	assert.Empty(t, Decode("z#")) // '#' has no z-escape entry
}

func TestEncodeLongestMatchWins(t *testing.T) {
	assert.Equal(t, Encode("smsf"), "qx")
	assert.Equal(t, Encode("smf"), "qf")
	assert.Equal(t, Encode("pcrf"), "q1")
	assert.Equal(t, Encode("pcf"), "qp")
	assert.Equal(t, Encode("udsf"), "qz")
	assert.Equal(t, Encode("udm"), "qu")
	assert.Equal(t, Encode("udr"), "qy")
	assert.Equal(t, Encode("https://"), "qs")
	assert.Equal(t, Encode("http://"), "qh")
}

func TestEncodeTokensWithinLargerString(t *testing.T) {
	assert.Equal(t, "qu2vmnc", Encode("udm2.mnc"))
}

func TestEncodeCollisionLetters(t *testing.T) {
	assert.Equal(t, "zj", Encode("j"))
	assert.Equal(t, "zq", Encode("q"))
	assert.Equal(t, "zv", Encode("v"))
	assert.Equal(t, "zz", Encode("z"))
}

func TestEncodeReplacementSingles(t *testing.T) {
	assert.Equal(t, "v", Encode("."))
	assert.Equal(t, "j", Encode(":"))
}
