// Package index builds the blind search index: salted, hashed tokens
// derived from plaintext before the plaintext is discarded. Token hashes are
// deterministic per deployment so the same word always maps to the same hash
// across messages, which is what makes exact-word search possible without
// storing recoverable terms. Token frequency is not hidden; that is a
// documented limitation, not a defect.
package index

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// MinTokenLength is the shortest normalized word that enters the index.
const MinTokenLength = 2

// tokenHashLength is the truncated hex length of a stored token hash.
const tokenHashLength = 16

// Sources qualify a token by the field it was derived from, so that
// subject:invoice and body:invoice hash differently.
const (
	SourceSubject   = "subject"
	SourceBody      = "body"
	SourceSender    = "sender"
	SourceRecipient = "recipient"
)

// AllSources lists every indexed field, used for unqualified keyword search.
func AllSources() []string {
	return []string{SourceSubject, SourceBody, SourceSender, SourceRecipient}
}

// Tokenizer derives keyed token hashes. The key comes from the crypto codec
// (a PBKDF2 sibling of the encryption key) so the index survives restarts.
type Tokenizer struct {
	key []byte
}

func NewTokenizer(key []byte) *Tokenizer {
	k := make([]byte, len(key))
	copy(k, key)
	return &Tokenizer{key: k}
}

// Normalize splits text into the deterministic, de-duplicated, sorted set of
// searchable words: lower-cased, non-alphanumerics stripped, short tokens
// dropped. Email addresses additionally contribute the full address plus its
// local part and domain so both whole-address and partial lookups match.
// Adjacent plain words also contribute an underscore-joined bigram, so a
// two-word phrase indexed together can be found as a phrase; email addresses
// never participate in bigrams.
func Normalize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	seen := map[string]struct{}{}
	add := func(token string) {
		if len([]rune(token)) < MinTokenLength {
			return
		}
		seen[token] = struct{}{}
	}

	var words []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		if local, domain, ok := splitEmail(field); ok {
			add(local + "@" + domain)
			add(local)
			add(domain)
			continue
		}
		word := stripNonAlnum(field)
		add(word)
		if len([]rune(word)) >= MinTokenLength {
			words = append(words, word)
		}
	}
	for i := 0; i+1 < len(words); i++ {
		add(words[i] + "_" + words[i+1])
	}

	tokens := make([]string, 0, len(seen))
	for token := range seen {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Hash returns the keyed hash for one token in one source field.
func (t *Tokenizer) Hash(source, token string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(source))
	mac.Write([]byte{':'})
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))[:tokenHashLength]
}

// HashField normalizes text and hashes every token against a single source.
func (t *Tokenizer) HashField(source, text string) []string {
	tokens := Normalize(text)
	hashes := make([]string, 0, len(tokens))
	for _, token := range tokens {
		hashes = append(hashes, t.Hash(source, token))
	}
	return hashes
}

// HashAcross hashes one already-normalized token against several sources,
// producing the OR-set a bare query keyword matches on.
func (t *Tokenizer) HashAcross(sources []string, token string) []string {
	hashes := make([]string, 0, len(sources))
	for _, source := range sources {
		hashes = append(hashes, t.Hash(source, token))
	}
	return hashes
}

// splitEmail reports whether the field looks like an email address, trimming
// common surrounding punctuation first.
func splitEmail(field string) (local, domain string, ok bool) {
	field = strings.Trim(field, "<>()[]{},.;:\"'")
	at := strings.Index(field, "@")
	if at <= 0 || at == len(field)-1 {
		return "", "", false
	}
	local = field[:at]
	domain = field[at+1:]
	if strings.Contains(domain, "@") || !strings.Contains(domain, ".") {
		return "", "", false
	}
	return local, domain, true
}

func stripNonAlnum(field string) string {
	var b strings.Builder
	for _, r := range field {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
