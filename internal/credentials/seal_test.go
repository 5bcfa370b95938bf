package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal(`{"secrets":{"openrouter":"sk-or-1"}}`, "pass phrase")
	require.NoError(t, err)
	require.Equal(t, 1, sealed.V)
	require.Equal(t, 150000, sealed.Iter)

	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	require.NoError(t, err)
	require.Len(t, salt, 16)
	iv, err := base64.StdEncoding.DecodeString(sealed.IV)
	require.NoError(t, err)
	require.Len(t, iv, 12)

	plain, err := Open(sealed, "pass phrase")
	require.NoError(t, err)
	require.Equal(t, `{"secrets":{"openrouter":"sk-or-1"}}`, plain)
}

func TestOpenFailures(t *testing.T) {
	sealed, err := sealWithIterations("hello", "pw", 1000)
	require.NoError(t, err)

	_, err = Open(sealed, "other")
	require.ErrorIs(t, err, ErrBadPassphrase)

	tampered := sealed
	ct, _ := base64.StdEncoding.DecodeString(sealed.CT)
	ct[0] ^= 0xff
	tampered.CT = base64.StdEncoding.EncodeToString(ct)
	_, err = Open(tampered, "pw")
	require.ErrorIs(t, err, ErrBadPassphrase)

	unsupported := sealed
	unsupported.Alg = "AES-CBC"
	_, err = Open(unsupported, "pw")
	require.ErrorIs(t, err, ErrUnsupported)

	badSalt := sealed
	badSalt.Salt = "***"
	_, err = Open(badSalt, "pw")
	require.Error(t, err)
}

func TestSealUsesFreshSaltAndNonce(t *testing.T) {
	a, err := sealWithIterations("same", "pw", 1000)
	require.NoError(t, err)
	b, err := sealWithIterations("same", "pw", 1000)
	require.NoError(t, err)
	require.NotEqual(t, a.Salt, b.Salt)
	require.NotEqual(t, a.IV, b.IV)
	require.NotEqual(t, a.CT, b.CT)
}
