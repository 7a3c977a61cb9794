/*
Package httpserver exposes a session over HTTP for applications that cannot
link the library directly.

The daemon owns one session: a selected network, its instance and the
authorizations of the configured signing key. Requests are JSON.

API Endpoints:

  - GET  /api/v1/session        session state: networkId, status, error, code
  - GET  /api/v1/networks       the network set
  - PUT  /api/v1/networks       replace the network set
  - POST /api/v1/instance       select a network by networkId and/or rpcUrl
  - POST /api/v1/authorization  cached or freshly signed decryption authorization
  - POST /api/v1/encrypt        encrypt input values for a contract
  - POST /api/v1/decrypt        reveal handles to the signer
  - GET  /livez, /readyz, /drain, /undrain

Session errors carry their code in the "code" field of error responses, for
example CHAIN_NOT_CONFIGURED or SIGNATURE_EXPIRED.
*/
package httpserver
