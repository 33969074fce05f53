package stream

// Subscription query pushed over the websocket. The server answers with one
// frame per stat change on any of the subscribed collections.
const statsSubscriptionQuery = `subscription useCollectionStatsSubscription($slugs: [String!]!) {
  collectionsBySlugs(slugs: $slugs) {
    slug
    name
    stats {
      oneDay { volume { usd native } sales }
      sevenDay { volume { usd native } sales }
      thirtyDay { volume { usd native } sales }
    }
    floorPrice { pricePerItem { usd native { unit symbol } } }
    topOffer { pricePerItem { usd native { unit symbol } } }
  }
}`
