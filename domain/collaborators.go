package domain

// CredentialSource fetches the opaque credential payload a BackupTarget's
// CredentialRef points to. Its implementation (an HTTP client against the
// credential store) is out of scope for DMS; DMS only depends on this
// interface.
type CredentialSource interface {
	// Fetch retrieves the credential payload for ref, authenticating the
	// request with token. Keys in the returned map are the credential
	// store's own vocabulary (bucket, access key, region, ...); mapping
	// them onto driver environment variables is mountdriver's job.
	Fetch(ref string, token string) (map[string]string, error)
}

// TokenVerifier validates a caller-supplied token before a mount is
// allowed to proceed. Token issuance is out of scope for DMS.
type TokenVerifier interface {
	Verify(token string) error
}
