// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/warelay/warelay/wabinary"
)

const (
	mediaOrigin    = "https://web.whatsapp.com"
	mediaImagePath = "/mms/image"
	mediaMacLen    = 10
)

// MediaHost is one upload endpoint offered by the media connection.
type MediaHost struct {
	Hostname         string
	MaxContentLength int64
}

// MediaConn is the server's media routing grant: the host list and
// the auth token valid for TTL.
type MediaConn struct {
	Hosts   []MediaHost
	Auth    string
	TTL     time.Duration
	Fetched time.Time
}

func (m *MediaConn) expired() bool {
	return time.Since(m.Fetched) > m.TTL
}

type mediaFetch struct {
	done chan struct{}
	conn *MediaConn
	err  error
}

type mediaConnCache struct {
	sync.Mutex
	conn     *MediaConn
	inFlight *mediaFetch
}

// RefreshMediaConn returns the cached media connection info,
// re-querying the server when the cache is stale or force is set.
// Concurrent refreshes collapse onto one in-flight query.
func (r *Relayer) RefreshMediaConn(force bool) (*MediaConn, error) {
	r.media.Lock()
	if m := r.media.conn; m != nil && !force && !m.expired() {
		r.media.Unlock()
		return m, nil
	}
	if f := r.media.inFlight; f != nil {
		r.media.Unlock()
		<-f.done
		return f.conn, f.err
	}
	f := &mediaFetch{done: make(chan struct{})}
	r.media.inFlight = f
	r.media.Unlock()

	f.conn, f.err = r.queryMediaConn()

	r.media.Lock()
	if f.err == nil {
		r.media.conn = f.conn
	}
	r.media.inFlight = nil
	r.media.Unlock()
	close(f.done)
	return f.conn, f.err
}

func (r *Relayer) queryMediaConn() (*MediaConn, error) {
	result, err := r.sess.Query(&wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"type":  "set",
			"xmlns": "w:m",
			"to":    wabinary.ServerJID,
		},
		Content: []wabinary.Node{{Tag: "media_conn"}},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("relay: media conn query: %w", err)
	}
	node, ok := result.GetChild("media_conn")
	if !ok {
		return nil, fmt.Errorf("relay: media conn reply without media_conn")
	}

	ttl, err := strconv.Atoi(node.Attrs["ttl"])
	if err != nil {
		return nil, fmt.Errorf("relay: media conn ttl: %w", err)
	}
	conn := &MediaConn{
		Auth:    node.Attrs["auth"],
		TTL:     time.Duration(ttl) * time.Second,
		Fetched: time.Now(),
	}
	for _, host := range node.GetChildren("host") {
		maxLen, _ := strconv.ParseInt(host.Attrs["maxContentLengthBytes"], 10, 64)
		conn.Hosts = append(conn.Hosts, MediaHost{
			Hostname:         host.Attrs["hostname"],
			MaxContentLength: maxLen,
		})
	}
	if len(conn.Hosts) == 0 {
		return nil, fmt.Errorf("relay: media conn reply without hosts")
	}
	r.log.Debugf("media conn refreshed, %d hosts, ttl %s", len(conn.Hosts), conn.TTL)
	return conn, nil
}

// encryptedMedia is one image blob prepared for upload.
type encryptedMedia struct {
	MediaKey      []byte
	Enc           []byte
	FileSha256    []byte
	FileEncSha256 []byte
	FileLength    uint64
}

// mediaKeys expands a 32-byte media key into iv, cipher key and mac
// key via HKDF-SHA256 with the WhatsApp media info string.
func mediaKeys(mediaKey []byte, infoKind string) (iv, cipherKey, macKey []byte, err error) {
	expanded := make([]byte, 112)
	kdf := hkdf.New(sha256.New, mediaKey, nil, []byte("WhatsApp "+infoKind+" Keys"))
	if _, err := io.ReadFull(kdf, expanded); err != nil {
		return nil, nil, nil, err
	}
	return expanded[0:16], expanded[16:48], expanded[48:80], nil
}

// encryptImage encrypts the plaintext with a fresh media key:
// AES-256-CBC with PKCS#7 padding, followed by the first 10 bytes of
// HMAC-SHA256(iv ‖ ciphertext) as the integrity trailer.
func encryptImage(plaintext []byte) (*encryptedMedia, error) {
	mediaKey := make([]byte, 32)
	if _, err := rand.Read(mediaKey); err != nil {
		return nil, err
	}
	iv, cipherKey, macKey, err := mediaKeys(mediaKey, "Image")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	enc := append(ciphertext, mac.Sum(nil)[:mediaMacLen]...)

	plainSum := sha256.Sum256(plaintext)
	encSum := sha256.Sum256(enc)
	return &encryptedMedia{
		MediaKey:      mediaKey,
		Enc:           enc,
		FileSha256:    plainSum[:],
		FileEncSha256: encSum[:],
		FileLength:    uint64(len(plaintext)),
	}, nil
}

// uploadedMedia is the server-side location of an uploaded blob plus
// the key material a recipient needs to decrypt it.
type uploadedMedia struct {
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSha256    []byte
	FileEncSha256 []byte
	FileLength    uint64
}

type uploadReply struct {
	URL        string `json:"url"`
	DirectPath string `json:"direct_path"`
}

// uploadImage encrypts and uploads one image, trying the media hosts
// in order until one accepts it.
func (r *Relayer) uploadImage(data []byte) (*uploadedMedia, error) {
	enc, err := encryptImage(data)
	if err != nil {
		return nil, err
	}

	conn, err := r.RefreshMediaConn(false)
	if err != nil {
		return nil, err
	}

	token := base64.RawURLEncoding.EncodeToString(enc.FileEncSha256)
	var lastErr error
	tried := 0
	for _, host := range conn.Hosts {
		if host.MaxContentLength > 0 && int64(len(enc.Enc)) > host.MaxContentLength {
			continue
		}
		tried++
		reply, err := r.postMedia(host.Hostname, conn.Auth, token, enc.Enc)
		if err != nil {
			lastErr = err
			r.log.Warningf("upload to %s failed: %v", host.Hostname, err)
			// The auth grant may have lapsed mid-flight.
			if fresh, ferr := r.RefreshMediaConn(true); ferr == nil {
				conn = fresh
			}
			continue
		}
		return &uploadedMedia{
			URL:           reply.URL,
			DirectPath:    reply.DirectPath,
			MediaKey:      enc.MediaKey,
			FileSha256:    enc.FileSha256,
			FileEncSha256: enc.FileEncSha256,
			FileLength:    enc.FileLength,
		}, nil
	}
	return nil, &UploadError{Hosts: tried, LastErr: lastErr}
}

func (r *Relayer) postMedia(hostname, auth, token string, body []byte) (*uploadReply, error) {
	uploadURL := fmt.Sprintf("https://%s%s/%s?auth=%s&token=%s",
		hostname, mediaImagePath, token, url.QueryEscape(auth), token)

	req, err := http.NewRequest(http.MethodPost, uploadURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Origin", mediaOrigin)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply uploadReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if reply.URL == "" && reply.DirectPath == "" {
		return nil, fmt.Errorf("status %d: reply carries no url", resp.StatusCode)
	}
	return &reply, nil
}
