package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	samltypes "github.com/russellhaering/gosaml2/types"
	"github.com/sirupsen/logrus"
)

const (
	samlProtocolNS  = "urn:oasis:names:tc:SAML:2.0:protocol"
	samlAssertionNS = "urn:oasis:names:tc:SAML:2.0:assertion"
	samlMetadataNS  = "urn:oasis:names:tc:SAML:2.0:metadata"

	samlStatusSuccess  = "urn:oasis:names:tc:SAML:2.0:status:Success"
	samlBindingPost    = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	samlBindingRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"

	defaultNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"

	samlTimeFormat = "2006-01-02T15:04:05Z"

	// Tolerated clock drift between the SP and the IdP when evaluating
	// assertion Conditions.
	conditionsClockSkew = 120 * time.Second
)

// SAMLAdapter implements the SAML 2.0 service provider side of a login:
// AuthnRequest generation over the redirect binding, response validation at
// the ACS, SP metadata, and single logout.
type SAMLAdapter struct {
	cfg      *ProviderConfig
	saml     *SAMLConfig
	states   StateStore
	verifier *SignatureVerifier
	signer   *QuerySigner
	acsURL   string
	sloURL   string
	log      *logrus.Logger
	now      func() time.Time
}

// NewSAMLAdapter builds the adapter for one validated SAML provider config
func NewSAMLAdapter(cfg *ProviderConfig, baseURL string, states StateStore, log *logrus.Logger) (*SAMLAdapter, error) {
	if cfg.SAMLConfig == nil {
		return nil, &ConfigurationError{Provider: cfg.ID, Field: "saml_config"}
	}

	a := &SAMLAdapter{
		cfg:    cfg,
		saml:   cfg.SAMLConfig,
		states: states,
		acsURL: strings.TrimSuffix(baseURL, "/") + "/saml/acs",
		sloURL: strings.TrimSuffix(baseURL, "/") + "/saml/slo",
		log:    log,
		now:    time.Now,
	}

	var err error
	if cfg.SAMLConfig.WantAssertionsSigned {
		a.verifier, err = NewSignatureVerifier(cfg.SAMLConfig.IDPCertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to load IdP certificate: %w", err)
		}
	}
	if cfg.SAMLConfig.SignRequests {
		a.signer, err = NewQuerySigner(cfg.SAMLConfig.SPPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load SP private key: %w", err)
		}
	}
	return a, nil
}

// Initiate builds the IdP redirect URL for a fresh AuthnRequest and stores
// the correlation state under the request ID.
func (a *SAMLAdapter) Initiate(ctx context.Context, redirectTo string) (string, error) {
	requestID := samlRequestID()

	if err := a.states.Put(ctx, &ProtocolState{
		ID:            requestID,
		ProviderID:    a.cfg.ID,
		RedirectTo:    redirectTo,
		SAMLRequestID: requestID,
	}); err != nil {
		return "", fmt.Errorf("failed to store protocol state: %w", err)
	}

	request, err := a.buildAuthnRequest(requestID)
	if err != nil {
		return "", err
	}

	encoded, err := deflateBase64(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode AuthnRequest: %w", err)
	}

	// The redirect binding mandates the parameter order SAMLRequest,
	// RelayState, SigAlg; the signature covers those exact bytes.
	query := "SAMLRequest=" + url.QueryEscape(encoded) + "&RelayState=" + url.QueryEscape(requestID)
	if a.signer != nil {
		query += "&SigAlg=" + url.QueryEscape(rsaSHA256SigAlg)
		sig, err := a.signer.Sign(query)
		if err != nil {
			return "", err
		}
		query += "&Signature=" + url.QueryEscape(sig)
	}

	return appendQuery(a.saml.SSOURL, query), nil
}

// Complete validates a base64 SAML response posted to the ACS and returns
// the normalized external identity plus the redirect target stored when
// the flow was initiated.
func (a *SAMLAdapter) Complete(ctx context.Context, rawResponse, relayState string) (*ExternalIdentity, string, error) {
	raw, err := base64.StdEncoding.DecodeString(rawResponse)
	if err != nil {
		return nil, "", protocolErr(CodeInvalidXML, "failed to decode SAMLResponse: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil || doc.Root() == nil {
		return nil, "", protocolErr(CodeInvalidXML, "failed to parse SAMLResponse XML")
	}

	var response samltypes.Response
	if err := xml.Unmarshal(raw, &response); err != nil {
		return nil, "", protocolErr(CodeInvalidXML, "failed to unmarshal SAMLResponse: %v", err)
	}

	// Correlate against the stored request; the consume is single-use, so a
	// replayed response fails here.
	if relayState == "" {
		return nil, "", protocolErr(CodeInvalidState, "missing RelayState")
	}
	state, err := a.states.Consume(ctx, relayState)
	if err != nil {
		return nil, "", err
	}
	if response.InResponseTo != state.SAMLRequestID {
		return nil, "", protocolErr(CodeInvalidState,
			"InResponseTo %q does not match request %q", response.InResponseTo, state.SAMLRequestID)
	}

	if a.saml.WantAssertionsSigned {
		if err := a.verifySignature(doc.Root()); err != nil {
			return nil, "", err
		}
	}

	if response.Status == nil || response.Status.StatusCode == nil {
		return nil, "", protocolErr(CodeInvalidXML, "response has no StatusCode")
	}
	if response.Status.StatusCode.Value != samlStatusSuccess {
		return nil, "", protocolErr(CodeIDPError, "IdP returned status %q", response.Status.StatusCode.Value)
	}

	if len(response.Assertions) == 0 {
		return nil, "", protocolErr(CodeInvalidXML, "response carries no assertion")
	}
	assertion := response.Assertions[0]

	if err := a.checkConditions(assertion.Conditions); err != nil {
		return nil, "", err
	}

	if assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, "", protocolErr(CodeInvalidXML, "assertion has no NameID")
	}
	nameID := assertion.Subject.NameID.Value

	identity := &ExternalIdentity{
		ProviderType:  ProviderTypeSAML,
		ProviderID:    a.cfg.ID,
		RawAttributes: make(map[string]interface{}),
	}
	if assertion.AuthnStatement != nil {
		identity.SessionIndex = assertion.AuthnStatement.SessionIndex
	}

	if assertion.AttributeStatement != nil {
		for _, attr := range assertion.AttributeStatement.Attributes {
			values := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			// Single values are unwrapped to a scalar; multi-valued
			// attributes stay a list.
			if len(values) == 1 {
				identity.RawAttributes[attr.Name] = values[0]
			} else {
				identity.RawAttributes[attr.Name] = values
			}
		}
	}

	a.mapAttributes(identity)
	if identity.ExternalID == "" {
		identity.ExternalID = nameID
	}
	if identity.Username == "" && identity.Email != "" {
		identity.Username = identity.Email
	}

	a.log.WithFields(logrus.Fields{
		"provider": a.cfg.ID,
		"name_id":  nameID,
	}).Debug("SAML response validated")

	return identity, state.RedirectTo, nil
}

// Metadata renders the deterministic SP metadata document
func (a *SAMLAdapter) Metadata() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", samlMetadataNS)
	entity.CreateAttr("entityID", a.saml.EntityID)

	sp := entity.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("AuthnRequestsSigned", fmt.Sprintf("%t", a.saml.SignRequests))
	sp.CreateAttr("WantAssertionsSigned", fmt.Sprintf("%t", a.saml.WantAssertionsSigned))
	sp.CreateAttr("protocolSupportEnumeration", samlProtocolNS)

	if a.saml.SPCertificate != "" {
		key := sp.CreateElement("md:KeyDescriptor")
		key.CreateAttr("use", "signing")
		keyInfo := key.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", xmldsigNS)
		certEl := keyInfo.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate")
		certEl.SetText(stripPEMArmor(a.saml.SPCertificate))
	}

	slo := sp.CreateElement("md:SingleLogoutService")
	slo.CreateAttr("Binding", samlBindingRedirect)
	slo.CreateAttr("Location", a.sloURL)

	nameIDFormat := a.saml.NameIDFormat
	if nameIDFormat == "" {
		nameIDFormat = defaultNameIDFormat
	}
	sp.CreateElement("md:NameIDFormat").SetText(nameIDFormat)

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", samlBindingPost)
	acs.CreateAttr("Location", a.acsURL)
	acs.CreateAttr("index", "1")

	doc.Indent(2)
	return doc.WriteToBytes()
}

// BuildLogoutRequestURL builds the SP-initiated LogoutRequest redirect for
// the given subject.
func (a *SAMLAdapter) BuildLogoutRequestURL(nameID, sessionIndex string) (string, error) {
	if a.saml.SLOURL == "" {
		return "", &ConfigurationError{Provider: a.cfg.ID, Field: "slo_url"}
	}

	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:LogoutRequest")
	req.CreateAttr("xmlns:samlp", samlProtocolNS)
	req.CreateAttr("xmlns:saml", samlAssertionNS)
	req.CreateAttr("ID", samlRequestID())
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", a.now().UTC().Format(samlTimeFormat))
	req.CreateAttr("Destination", a.saml.SLOURL)
	req.CreateElement("saml:Issuer").SetText(a.saml.EntityID)
	req.CreateElement("saml:NameID").SetText(nameID)
	if sessionIndex != "" {
		req.CreateElement("samlp:SessionIndex").SetText(sessionIndex)
	}

	raw, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("failed to serialize LogoutRequest: %w", err)
	}
	encoded, err := deflateBase64(raw)
	if err != nil {
		return "", err
	}

	query := "SAMLRequest=" + url.QueryEscape(encoded)
	if a.signer != nil {
		query += "&SigAlg=" + url.QueryEscape(rsaSHA256SigAlg)
		sig, err := a.signer.Sign(query)
		if err != nil {
			return "", err
		}
		query += "&Signature=" + url.QueryEscape(sig)
	}
	return appendQuery(a.saml.SLOURL, query), nil
}

// ParseLogoutRequest decodes an IdP-initiated LogoutRequest and returns the
// subject NameID and the request ID to answer with.
func (a *SAMLAdapter) ParseLogoutRequest(encoded string) (nameID, requestID string, err error) {
	raw, err := inflateBase64(encoded)
	if err != nil {
		return "", "", protocolErr(CodeInvalidXML, "failed to decode LogoutRequest: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil || doc.Root() == nil {
		return "", "", protocolErr(CodeInvalidXML, "failed to parse LogoutRequest XML")
	}
	root := doc.Root()
	if root.Tag != "LogoutRequest" {
		return "", "", protocolErr(CodeInvalidXML, "unexpected element %q", root.Tag)
	}

	nameIDEl := findDescendant(root, samlAssertionNS, "NameID")
	if nameIDEl == nil {
		return "", "", protocolErr(CodeInvalidXML, "LogoutRequest has no NameID")
	}
	return strings.TrimSpace(nameIDEl.Text()), root.SelectAttrValue("ID", ""), nil
}

// BuildLogoutResponseURL builds the redirect answering an IdP-initiated
// LogoutRequest with StatusCode Success.
func (a *SAMLAdapter) BuildLogoutResponseURL(inResponseTo string) (string, error) {
	if a.saml.SLOURL == "" {
		return "", &ConfigurationError{Provider: a.cfg.ID, Field: "slo_url"}
	}

	doc := etree.NewDocument()
	resp := doc.CreateElement("samlp:LogoutResponse")
	resp.CreateAttr("xmlns:samlp", samlProtocolNS)
	resp.CreateAttr("xmlns:saml", samlAssertionNS)
	resp.CreateAttr("ID", samlRequestID())
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", a.now().UTC().Format(samlTimeFormat))
	resp.CreateAttr("Destination", a.saml.SLOURL)
	if inResponseTo != "" {
		resp.CreateAttr("InResponseTo", inResponseTo)
	}
	resp.CreateElement("saml:Issuer").SetText(a.saml.EntityID)
	status := resp.CreateElement("samlp:Status").CreateElement("samlp:StatusCode")
	status.CreateAttr("Value", samlStatusSuccess)

	raw, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("failed to serialize LogoutResponse: %w", err)
	}
	encoded, err := deflateBase64(raw)
	if err != nil {
		return "", err
	}
	return appendQuery(a.saml.SLOURL, "SAMLResponse="+url.QueryEscape(encoded)), nil
}

func (a *SAMLAdapter) buildAuthnRequest(requestID string) ([]byte, error) {
	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:AuthnRequest")
	req.CreateAttr("xmlns:samlp", samlProtocolNS)
	req.CreateAttr("xmlns:saml", samlAssertionNS)
	req.CreateAttr("ID", requestID)
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", a.now().UTC().Format(samlTimeFormat))
	req.CreateAttr("Destination", a.saml.SSOURL)
	req.CreateAttr("AssertionConsumerServiceURL", a.acsURL)
	req.CreateAttr("ProtocolBinding", samlBindingPost)
	req.CreateElement("saml:Issuer").SetText(a.saml.EntityID)

	nameIDFormat := a.saml.NameIDFormat
	if nameIDFormat == "" {
		nameIDFormat = defaultNameIDFormat
	}
	policy := req.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("Format", nameIDFormat)
	policy.CreateAttr("AllowCreate", "true")

	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize AuthnRequest: %w", err)
	}
	return raw, nil
}

// verifySignature accepts a signature on either the response envelope or
// the assertion itself.
func (a *SAMLAdapter) verifySignature(root *etree.Element) error {
	if childElement(root, xmldsigNS, "Signature") != nil {
		return a.verifier.Verify(root)
	}
	assertion := childElement(root, samlAssertionNS, "Assertion")
	if assertion == nil || childElement(assertion, xmldsigNS, "Signature") == nil {
		return protocolErr(CodeInvalidSignature, "response is not signed")
	}
	return a.verifier.Verify(assertion)
}

func (a *SAMLAdapter) checkConditions(conditions *samltypes.Conditions) error {
	if conditions == nil {
		return nil
	}
	now := a.now()

	if conditions.NotBefore != "" {
		notBefore, err := time.Parse(time.RFC3339, conditions.NotBefore)
		if err != nil {
			return protocolErr(CodeConditionsFailed, "unparseable NotBefore %q", conditions.NotBefore)
		}
		if now.Before(notBefore.Add(-conditionsClockSkew)) {
			return protocolErr(CodeConditionsFailed, "assertion not yet valid")
		}
	}
	if conditions.NotOnOrAfter != "" {
		notOnOrAfter, err := time.Parse(time.RFC3339, conditions.NotOnOrAfter)
		if err != nil {
			return protocolErr(CodeConditionsFailed, "unparseable NotOnOrAfter %q", conditions.NotOnOrAfter)
		}
		if !now.Before(notOnOrAfter.Add(conditionsClockSkew)) {
			return protocolErr(CodeConditionsFailed, "assertion expired")
		}
	}

	if len(conditions.AudienceRestrictions) > 0 {
		matched := false
		for _, restriction := range conditions.AudienceRestrictions {
			for _, audience := range restriction.Audiences {
				if audience.Value == a.saml.EntityID {
					matched = true
				}
			}
		}
		if !matched {
			return protocolErr(CodeConditionsFailed, "audience restriction does not include %q", a.saml.EntityID)
		}
	}
	return nil
}

func (a *SAMLAdapter) mapAttributes(identity *ExternalIdentity) {
	m := a.cfg.AttributeMapping
	attrs := identity.RawAttributes

	identity.ExternalID = attrString(attrs, m.ExternalID)
	identity.Username = attrString(attrs, m.Username)
	identity.Email = attrString(attrs, m.Email)
	identity.DisplayName = attrString(attrs, m.DisplayName)
	identity.FirstName = attrString(attrs, m.FirstName)
	identity.LastName = attrString(attrs, m.LastName)
	identity.Groups = attrStrings(attrs, m.Groups)
}

// attrString reads a mapped attribute as a scalar; a multi-valued
// attribute contributes its first value.
func attrString(attrs map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	switch v := attrs[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// attrStrings reads a mapped attribute as a list
func attrStrings(attrs map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	switch v := attrs[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// samlRequestID generates a protocol ID; SAML IDs must not start with a digit
func samlRequestID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return "_" + hex.EncodeToString(b)
}

func deflateBase64(raw []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(raw); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// inflateBase64 reverses deflateBase64; uncompressed payloads (POST
// binding) pass through untouched.
func inflateBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return raw, nil
	}
	return inflated, nil
}

func appendQuery(base, query string) string {
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}

func stripPEMArmor(pemData string) string {
	var b strings.Builder
	for _, line := range strings.Split(pemData, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

func findDescendant(el *etree.Element, ns, tag string) *etree.Element {
	if found := childElement(el, ns, tag); found != nil {
		return found
	}
	for _, child := range el.ChildElements() {
		if found := findDescendant(child, ns, tag); found != nil {
			return found
		}
	}
	return nil
}
