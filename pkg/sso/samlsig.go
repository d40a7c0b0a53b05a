package sso

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

const (
	rsaSHA256SigAlg = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	sha256DigestAlg = "http://www.w3.org/2001/04/xmlenc#sha256"
	xmldsigNS       = "http://www.w3.org/2000/09/xmldsig#"
)

// SignatureVerifier validates enveloped XML signatures on SAML documents:
// the SignedInfo is canonicalized with exclusive C14N (no comments) and the
// SignatureValue verified against the IdP certificate using RSA-SHA256.
type SignatureVerifier struct {
	cert *x509.Certificate
}

// NewSignatureVerifier parses the IdP's PEM certificate
func NewSignatureVerifier(pemCert string) (*SignatureVerifier, error) {
	block, _ := pem.Decode([]byte(pemCert))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &SignatureVerifier{cert: cert}, nil
}

// Verify checks the <ds:Signature> enveloped directly under el. Any parse
// or verification failure is an invalid_signature protocol error.
func (v *SignatureVerifier) Verify(el *etree.Element) error {
	sig := childElement(el, xmldsigNS, "Signature")
	if sig == nil {
		return protocolErr(CodeInvalidSignature, "document is not signed")
	}

	signedInfo := childElement(sig, xmldsigNS, "SignedInfo")
	if signedInfo == nil {
		return protocolErr(CodeInvalidSignature, "missing SignedInfo")
	}

	if method := childElement(signedInfo, xmldsigNS, "SignatureMethod"); method == nil ||
		method.SelectAttrValue("Algorithm", "") != rsaSHA256SigAlg {
		return protocolErr(CodeInvalidSignature, "unsupported signature algorithm")
	}

	// Reference digest: the signed element with the signature itself removed
	ref := childElement(signedInfo, xmldsigNS, "Reference")
	if ref == nil {
		return protocolErr(CodeInvalidSignature, "missing Reference")
	}
	digestEl := childElement(ref, xmldsigNS, "DigestValue")
	if digestEl == nil {
		return protocolErr(CodeInvalidSignature, "missing DigestValue")
	}
	expectedDigest, err := base64.StdEncoding.DecodeString(strings.TrimSpace(digestEl.Text()))
	if err != nil {
		return protocolErr(CodeInvalidSignature, "malformed DigestValue: %v", err)
	}

	canonical, err := canonicalizeWithoutSignature(el)
	if err != nil {
		return protocolErr(CodeInvalidSignature, "canonicalization failed: %v", err)
	}
	digest := sha256.Sum256(canonical)
	if !bytesEqual(digest[:], expectedDigest) {
		return protocolErr(CodeInvalidSignature, "reference digest mismatch")
	}

	// SignatureValue over the canonical SignedInfo
	sigValueEl := childElement(sig, xmldsigNS, "SignatureValue")
	if sigValueEl == nil {
		return protocolErr(CodeInvalidSignature, "missing SignatureValue")
	}
	sigValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigValueEl.Text()))
	if err != nil {
		return protocolErr(CodeInvalidSignature, "malformed SignatureValue: %v", err)
	}

	canonSignedInfo, err := canonicalizer().Canonicalize(signedInfo)
	if err != nil {
		return protocolErr(CodeInvalidSignature, "SignedInfo canonicalization failed: %v", err)
	}

	pub, ok := v.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return protocolErr(CodeInvalidSignature, "certificate key is not RSA")
	}
	sum := sha256.Sum256(canonSignedInfo)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sigValue); err != nil {
		return protocolErr(CodeInvalidSignature, "signature verification failed")
	}
	return nil
}

// QuerySigner signs redirect-binding query strings with the SP private key.
// The signature covers the exact query bytes as sent, per the SAML redirect
// binding.
type QuerySigner struct {
	key *rsa.PrivateKey
}

// NewQuerySigner parses the SP's PEM private key (PKCS#1 or PKCS#8)
func NewQuerySigner(pemKey string) (*QuerySigner, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		key, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}
	return &QuerySigner{key: key}, nil
}

// Sign returns the base64 RSA-SHA256 signature over the raw query string
func (s *QuerySigner) Sign(query string) (string, error) {
	sum := sha256.Sum256([]byte(query))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign query: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func canonicalizer() dsig.Canonicalizer {
	return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
}

// canonicalizeWithoutSignature canonicalizes el with its enveloped
// signature element removed, the form the reference digest covers.
func canonicalizeWithoutSignature(el *etree.Element) ([]byte, error) {
	dup := el.Copy()
	for _, child := range dup.ChildElements() {
		if child.Tag == "Signature" && child.NamespaceURI() == xmldsigNS {
			dup.RemoveChild(child)
			break
		}
	}
	doc := etree.NewDocument()
	doc.SetRoot(dup)
	return canonicalizer().Canonicalize(dup)
}

// childElement finds a direct child by namespace URI and local name
func childElement(el *etree.Element, ns, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag && child.NamespaceURI() == ns {
			return child
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
