// Package signers provides convenience constructors for the two signing
// identities the cash-out flow needs.
//
// It offers two patterns:
//   - FromSecret: Wraps a Stellar secret key (S...) using stellar/go keypair for signing.
//     Used for both the auth identity and the funds identity in the bundled server.
//   - FromCallback: Wraps a custom signing function (e.g., HSM, custodial API).
//     Lets the funds identity live behind a custodian such as Fireblocks.
//
// Both return implementations of the cashout.Signer interface.
package signers
