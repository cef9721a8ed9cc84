package auth

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
)

func testProfile() *config.UserProfile {
	return &config.UserProfile{
		PublicURI:  "sip:+1234567890@home.net",
		PrivateID:  "user@home.net",
		Password:   "secret",
		HomeDomain: "home.net",
	}
}

func newRequest(t *testing.T, method sip.RequestMethod, uri string) *sip.Request {
	t.Helper()
	var target sip.Uri
	require.NoError(t, sip.ParseUri(uri, &target))
	return sip.NewRequest(method, target)
}

func challengeResponse(req *sip.Request, header, value string) *sip.Response {
	res := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader(header, value))
	return res
}

func TestAttachBeforeChallengeIsNoOp(t *testing.T) {
	agent := NewAgent(testProfile(), dialog.NoOpLogger{})
	req := newRequest(t, sip.SUBSCRIBE, "sip:bob@home.net")

	require.NoError(t, agent.Attach(req))
	assert.Nil(t, req.GetHeader("Proxy-Authorization"))
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestReadChallengeMissingHeader(t *testing.T) {
	agent := NewAgent(testProfile(), dialog.NoOpLogger{})
	req := newRequest(t, sip.SUBSCRIBE, "sip:bob@home.net")
	res := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)

	err := agent.ReadChallenge(res)
	require.Error(t, err)
	assert.Equal(t, "NO_CHALLENGE_HEADER", dialog.GetErrorCode(err))
	assert.False(t, agent.HasChallenge())
}

func TestAttachAfterProxyChallenge(t *testing.T) {
	agent := NewAgent(testProfile(), dialog.NoOpLogger{})
	req := newRequest(t, sip.SUBSCRIBE, "sip:bob@home.net")
	res := challengeResponse(req, "Proxy-Authenticate",
		`Digest realm="home.net", nonce="f84f1cec41e6cbe5aea9c8e88d359", qop="auth", algorithm=MD5`)

	require.NoError(t, agent.ReadChallenge(res))
	require.True(t, agent.HasChallenge())

	retry := newRequest(t, sip.SUBSCRIBE, "sip:bob@home.net")
	require.NoError(t, agent.Attach(retry))

	hdr := retry.GetHeader("Proxy-Authorization")
	require.NotNil(t, hdr)
	value := hdr.Value()
	assert.Contains(t, value, `username="user@home.net"`)
	assert.Contains(t, value, `realm="home.net"`)
	assert.Contains(t, value, "nc=00000001")
	assert.Nil(t, retry.GetHeader("Authorization"), "401 заголовок не ставится после 407")
}

func TestAttachReplacesNotAppends(t *testing.T) {
	agent := NewAgent(testProfile(), dialog.NoOpLogger{})
	req := newRequest(t, sip.PUBLISH, "sip:+1234567890@home.net")
	res := challengeResponse(req, "Proxy-Authenticate",
		`Digest realm="home.net", nonce="abc123", qop="auth", algorithm=MD5`)
	require.NoError(t, agent.ReadChallenge(res))

	require.NoError(t, agent.Attach(req))
	require.NoError(t, agent.Attach(req))

	headers := req.GetHeaders("Proxy-Authorization")
	require.Len(t, headers, 1, "повторный Attach заменяет заголовок")
	assert.Contains(t, headers[0].Value(), "nc=00000002")
}

func TestAttachWWWAuthenticate(t *testing.T) {
	agent := NewAgent(testProfile(), dialog.NoOpLogger{})
	req := newRequest(t, sip.REGISTER, "sip:home.net")
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate",
		`Digest realm="home.net", nonce="reg-nonce-1", qop="auth", algorithm=MD5`))

	require.NoError(t, agent.ReadChallenge(res))
	require.NoError(t, agent.Attach(req))

	assert.NotNil(t, req.GetHeader("Authorization"))
	assert.Nil(t, req.GetHeader("Proxy-Authorization"))
}

func TestAttachWithoutCredentials(t *testing.T) {
	profile := testProfile()
	profile.Password = ""
	agent := NewAgent(profile, dialog.NoOpLogger{})

	req := newRequest(t, sip.SUBSCRIBE, "sip:bob@home.net")
	res := challengeResponse(req, "Proxy-Authenticate",
		`Digest realm="home.net", nonce="abc", qop="auth", algorithm=MD5`)
	require.NoError(t, agent.ReadChallenge(res))

	err := agent.Attach(req)
	require.Error(t, err)
	assert.Equal(t, "CREDENTIALS_UNAVAILABLE", dialog.GetErrorCode(err))
}
